package ingest

import "fmt"

// resolveDuplicates applies policy to records that share an id.
//
// With DuplicatesLastWins the last occurrence of each id survives, at the
// position of that last occurrence; the dropped count is returned.
// With DuplicatesReject every row of a repeated id is removed and returned
// as rejected. lines holds the source line of each record; it may be nil.
func resolveDuplicates(records []Record, lines []int, policy DuplicatePolicy) (kept []Record, dropped int, rejected []RejectedRow) {
	last := make(map[int64]int, len(records))
	counts := make(map[int64]int, len(records))
	for i, r := range records {
		last[r.ID] = i
		counts[r.ID]++
	}
	if len(last) == len(records) {
		return records, 0, nil
	}

	kept = make([]Record, 0, len(last))
	for i, r := range records {
		switch policy {
		case DuplicatesReject:
			if counts[r.ID] > 1 {
				line := 0
				if i < len(lines) {
					line = lines[i]
				}
				rejected = append(rejected, RejectedRow{
					LineNumber: line,
					Reason:     fmt.Sprintf("duplicate id %d (%d occurrences)", r.ID, counts[r.ID]),
					Data:       []string{fmt.Sprint(r.ID), r.Name.String, fmt.Sprint(r.Value)},
				})
				continue
			}
		default:
			if last[r.ID] != i {
				dropped++
				continue
			}
		}
		kept = append(kept, r)
	}
	return kept, dropped, rejected
}
