package directory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// flexInt accepts ids and orders sent either as JSON numbers or strings.
type flexInt int64

func (f *flexInt) UnmarshalJSON(raw []byte) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*f = 0
		return nil
	}
	text := strings.Trim(string(trimmed), `"`)
	if strings.TrimSpace(text) == "" {
		*f = 0
		return nil
	}
	value, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
	if err != nil {
		return fmt.Errorf("directory: invalid numeric value %s", trimmed)
	}
	*f = flexInt(value)
	return nil
}

type remoteParent struct {
	ID    flexInt `json:"id"`
	Title string  `json:"title"`
}

type remoteNode struct {
	ID     flexInt       `json:"id"`
	Title  string        `json:"title"`
	Parent *remoteParent `json:"parent"`
	Order  flexInt       `json:"order"`
}

// remoteResource covers both resource layouts: the legacy one carries a single
// node in its top-level fields, the newer one lists nodes[] including the root.
type remoteResource struct {
	remoteNode
	RootID    flexInt      `json:"rootID"`
	TreeTitle string       `json:"directoryTreeTitle"`
	Term      string       `json:"term"`
	Nodes     []remoteNode `json:"nodes"`
}

// node is the normalized form of one remote directory node.
type node struct {
	ID       int64
	ParentID int64
	Title    string
	Order    int
}

// normalizedResource is one directory_trees resource in array form.
type normalizedResource struct {
	ResourceID int64
	RootID     int64
	TreeTitle  string
	Nodes      []node
}

func decodeResource(raw []byte) (remoteResource, error) {
	var resource remoteResource
	if err := json.Unmarshal(raw, &resource); err != nil {
		return remoteResource{}, err
	}
	return resource, nil
}

// normalize converts either resource layout into the array form. The root node
// is the one whose id equals rootID; it gets parent 0.
func normalize(resourceID int64, resource remoteResource) (normalizedResource, error) {
	rootID := int64(resource.RootID)
	if rootID == 0 {
		return normalizedResource{}, fmt.Errorf("directory: resource %d has no rootID", resourceID)
	}
	sourceNodes := resource.Nodes
	if len(sourceNodes) == 0 {
		sourceNodes = []remoteNode{resource.remoteNode}
	}
	normalized := normalizedResource{ResourceID: resourceID, RootID: rootID, TreeTitle: strings.TrimSpace(resource.TreeTitle)}
	for _, remote := range sourceNodes {
		id := int64(remote.ID)
		if id == 0 {
			return normalizedResource{}, fmt.Errorf("directory: resource %d has a node without id", resourceID)
		}
		parentID := int64(0)
		if remote.Parent != nil {
			parentID = int64(remote.Parent.ID)
		}
		if id == rootID {
			parentID = 0
		} else if parentID == 0 {
			parentID = rootID
		}
		normalized.Nodes = append(normalized.Nodes, node{
			ID:       id,
			ParentID: parentID,
			Title:    strings.TrimSpace(remote.Title),
			Order:    int(remote.Order),
		})
		if id == rootID && normalized.TreeTitle == "" {
			normalized.TreeTitle = strings.TrimSpace(remote.Title)
		}
	}
	return normalized, nil
}
