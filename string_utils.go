package ftpserver

import (
	"encoding/csv"
	"strings"
)

// unquoteSpaceSeparatedParams splits params on spaces, except inside quotes. It exists to
// support COMB, whose arguments may contain spaces themselves. Supported examples:
//
//   - COMB final.log 132.log
//   - COMB "final.log" "132.log"
//   - COMB final7.log "6 6.log" 67.log
func unquoteSpaceSeparatedParams(params string) ([]string, error) {
	reader := csv.NewReader(strings.NewReader(params))
	reader.Comma = ' '

	return reader.Read()
}
