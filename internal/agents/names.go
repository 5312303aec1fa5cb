package agents

import (
	"fmt"
	"hash/fnv"
)

// stationNames is the pool of Japanese station-inspired agent names.
// The list is fixed so an agent keeps the same name across restarts with
// the same pool configuration.
var stationNames = []string{
	"Ome", "Gora", "Maji", "Ueno", "Ebisu",
	"Osaki", "Otaru", "Namba", "Tenma", "Mejiro",
	"Koenji", "Gotanda", "Ryogoku", "Yutenji", "Nippori",
	"Asagaya", "Mojiko", "Kottoi", "Taisho", "Yumoto",
	"Harajuku", "Shibuya", "Odawara", "Enoshima", "Ogikubo",
	"Ichigaya", "Komazawa", "Shinjuku", "Wakkanai", "Todoroki",
	"Obama", "Usa", "Gero", "Oboke", "Koboke",
	"Naruto", "Zushi", "Fussa", "Oppama",
	"Nikko", "Hakone", "Beppu", "Atami", "Ginza",
	"Akiba", "Kamakura", "Yokohama", "Nagasaki", "Sapporo",
	"Tama", "Musashi", "Omiya", "Urawa", "Kawagoe",
	"Hanno", "Chichibu", "Takao", "Mitaka", "Kichijoji",
}

// DisplayName returns a deterministic, human-friendly name for the seq-th
// agent of a role, e.g. "analysis/Shibuya". Names repeat once a role has
// more agents than there are stations, so they are labels, not identities.
func DisplayName(role Role, seq int) string {
	if len(stationNames) == 0 {
		return fmt.Sprintf("%s/%d", role, seq)
	}
	hash := fnv32a(string(role))
	return fmt.Sprintf("%s/%s", role, stationNames[(int(hash%uint32(len(stationNames)))+seq)%len(stationNames)])
}

func fnv32a(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}
