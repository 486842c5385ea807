package youtubeapi

import (
	"regexp"
	"strings"
)

const videoIDLen = 11

var (
	videoURLRe  = regexp.MustCompile(`^.*((youtu\.be/)|(v/)|(/u/\w/)|(embed/)|(watch\?)|(live/)|(shorts/))\??v?=?([^#&?/]*).*`)
	bareVideoID = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)
)

// ExtractVideoID returns the 11 character video id from a YouTube URL or a
// bare id, and false when none can be found.
func ExtractVideoID(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if bareVideoID.MatchString(s) {
		return s, true
	}
	m := videoURLRe.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	id := m[len(m)-1]
	if len(id) != videoIDLen || !bareVideoID.MatchString(id) {
		return "", false
	}
	return id, true
}
