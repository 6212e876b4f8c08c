package channel

// StreamName uniquely identifies a stream. It doubles as the stream's
// directory name under the streams root, so it must stay filesystem-safe.
type StreamName string

// VideoFile is a single queued video belonging to a stream.
type VideoFile struct {
	// Name is the filename within the stream's pending directory.
	Name string
	// Path is the full path to the file while it is still pending.
	Path string
}

// PlayState reports what a stream's Player is currently doing.
type PlayState int

const (
	// StateIdle means neither a pending video nor a readable offline clip
	// is available; the player is backing off before retrying.
	StateIdle PlayState = iota
	// StatePlayingQueued means a claimed pending video is being played.
	StatePlayingQueued
	// StatePlayingOffline means the looping offline clip is being played.
	StatePlayingOffline
)

func (s PlayState) String() string {
	switch s {
	case StatePlayingQueued:
		return "playing_queued"
	case StatePlayingOffline:
		return "playing_offline"
	default:
		return "idle"
	}
}

// Metadata is the typed form of a stream's metadata.json document.
// Only the display name is consumed; anything else in the file is ignored.
type Metadata struct {
	Name string `json:"name"`
}

// StreamInfo pairs a stream name with its resolved display title,
// as shown on the landing page.
type StreamInfo struct {
	Name  StreamName
	Title string
}
