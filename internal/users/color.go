package users

import "hash/fnv"

// presencePalette holds colours that stay readable as cursor and selection highlights on a
// light background.
var presencePalette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231", "#911eb4", "#42d4f4",
	"#f032e6", "#469990", "#9a6324", "#800000", "#808000", "#000075",
}

// PresenceColor derives a stable colour for userID so every tab and device of one user
// shows the same cursor colour.
func PresenceColor(userID string) string {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(userID))
	return presencePalette[hasher.Sum32()%uint32(len(presencePalette))]
}
