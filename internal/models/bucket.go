package models

// ClientName identifies this watcher to the event store
const ClientName = "deskwatch"

// Bucket types understood by the event store
const (
	BucketTypeAFK    = "afkstatus"
	BucketTypeWindow = "currentwindow"
)

// Bucket is the destination container for one activity stream
type Bucket struct {
	ID       string `json:"-"`
	Type     string `json:"type"`
	Client   string `json:"client"`
	Hostname string `json:"hostname"`
}

// AFKBucket returns the bucket for the idle stream of a host
func AFKBucket(hostname string) Bucket {
	return Bucket{
		ID:       "aw-watcher-afk_" + hostname,
		Type:     BucketTypeAFK,
		Client:   ClientName,
		Hostname: hostname,
	}
}

// WindowBucket returns the bucket for the active window stream of a host
func WindowBucket(hostname string) Bucket {
	return Bucket{
		ID:       "aw-watcher-window_" + hostname,
		Type:     BucketTypeWindow,
		Client:   ClientName,
		Hostname: hostname,
	}
}
