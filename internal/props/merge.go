package props

import "bytes"

// MergeAdditions keeps winner as the base text and appends the assignments
// that only the losing side introduced: keys present in loser but absent
// from winner and from the common ancestor. A nil ancestor counts as empty.
//
// Keys the winner removed relative to the ancestor stay removed, and values
// the winner changed are not touched.
func MergeAdditions(winnerText []byte, winner, loser, ancestor *Properties) ([]byte, []string) {
	var added []string
	var tail bytes.Buffer

	for _, e := range loser.entries {
		if winner.Has(e.Key) {
			continue
		}
		if ancestor != nil && ancestor.Has(e.Key) {
			continue
		}
		added = append(added, e.Key)
		tail.WriteString(e.Raw)
		tail.WriteByte('\n')
	}

	if len(added) == 0 {
		return winnerText, nil
	}

	out := make([]byte, 0, len(winnerText)+tail.Len()+1)
	out = append(out, winnerText...)
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	out = append(out, tail.Bytes()...)
	return out, added
}
