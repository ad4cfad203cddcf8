package media

import (
	"github.com/pion/sdp/v3"
)

// SDPHasVideo reports whether a session description offers an active video
// stream. Unparseable input reports false.
func SDPHasVideo(raw string) bool {
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return false
	}
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media == "video" && md.MediaName.Port.Value != 0 {
			return true
		}
	}
	return false
}
