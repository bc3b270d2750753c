// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package facts

import (
	"fmt"
	"strings"
)

// parseIpsetSave parses the verbatim output of `ipset save` into the
// Router's Ipsets map. Lines have the shape:
//
//	create NAME TYPE [options...]
//	add NAME ELEMENT
func parseIpsetSave(r *Router, text string) error {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "create":
			if len(fields) < 3 {
				return fmt.Errorf("malformed ipset create line: %q", line)
			}
			name, setType := fields[1], SetType(fields[2])
			if _, exists := r.Ipsets[name]; exists {
				return fmt.Errorf("duplicate ipset %q", name)
			}
			r.Ipsets[name] = Set{Name: name, Type: setType}
		case "add":
			name := fields[1]
			set, ok := r.Ipsets[name]
			if !ok {
				return fmt.Errorf("add to undeclared ipset %q", name)
			}
			set.Members = append(set.Members, strings.Join(fields[2:], " "))
			r.Ipsets[name] = set
		}
	}
	return nil
}
