package ecs

// Connection bundles a broker client with the per-connection settings the
// reconcilers consult while handling that broker's events.
type Connection struct {
	Client            *Client
	Name              string
	CMSParticipantID  int64
	ImportCategoryID  int64
	ImportCourses     bool
	ImportMemberships bool
	ImportDirectories bool
	ExportCourses     bool
}

// BrokerID returns the id of the broker partition the connection owns.
func (c Connection) BrokerID() int64 {
	if c.Client == nil {
		return 0
	}
	return c.Client.BrokerID()
}

// FromCMS reports whether a fetched resource was sent by the configured CMS.
func (c Connection) FromCMS(resource Resource) bool {
	return c.CMSParticipantID > 0 && resource.SentBy(c.CMSParticipantID)
}
