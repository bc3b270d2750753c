// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package facts

import (
	"fmt"
	"strconv"
	"strings"
)

// parseIptablesSave parses the verbatim output of `iptables-save` into the
// structured Rules/ChainPolicy maps, while the raw text is kept unchanged
// on Router.IptablesSaveRaw for the Fabric Builder to restore byte-for-byte
// rather than re-derived and re-emitted.
func parseIptablesSave(r *Router, text string) error {
	table := TableName("")
	indices := make(map[TableName]map[string]int)

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == "COMMIT" {
			table = ""
			continue
		}
		if strings.HasPrefix(line, "*") {
			table = TableName(strings.TrimPrefix(line, "*"))
			if r.Rules[table] == nil {
				r.Rules[table] = make(map[string][]IptablesRule)
			}
			if r.ChainPolicy[table] == nil {
				r.ChainPolicy[table] = make(map[string]Target)
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			// :CHAIN POLICY [pkts:bytes]
			fields := strings.Fields(line)
			if len(fields) < 2 || table == "" {
				continue
			}
			chain := strings.TrimPrefix(fields[0], ":")
			policy := fields[1]
			if policy != "-" {
				r.ChainPolicy[table][chain] = Target(policy)
			}
			if r.Rules[table][chain] == nil {
				r.Rules[table][chain] = []IptablesRule{}
			}
			continue
		}
		if strings.HasPrefix(line, "-A ") {
			if table == "" {
				return fmt.Errorf("rule %q appears before any *table section", line)
			}
			rule, chain, err := parseRuleLine(table, line)
			if err != nil {
				return err
			}
			if indices[table] == nil {
				indices[table] = make(map[string]int)
			}
			key := chain
			rule.Index = indices[table][key]
			indices[table][key]++

			for _, existing := range r.Rules[table][chain] {
				if existing.Index == rule.Index {
					return fmt.Errorf("duplicate rule index %d in %s/%s", rule.Index, table, chain)
				}
			}
			r.Rules[table][chain] = append(r.Rules[table][chain], rule)
			continue
		}
		// -N (new user chain), -P (handled via ':' lines already) etc: ignored, preserved only in raw text.
	}
	return nil
}

func parseRuleLine(table TableName, line string) (IptablesRule, string, error) {
	tokens := tokenize(line)
	rule := IptablesRule{Table: table, RuleText: line, Target: TargetAccept}
	var chain string

	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		next := func() string {
			i++
			if i < len(tokens) {
				return tokens[i]
			}
			return ""
		}
		switch tok {
		case "-A", "--append":
			chain = next()
		case "-s", "--source":
			rule.SrcCIDR = normalizeCIDR(next())
		case "-d", "--destination":
			rule.DstCIDR = normalizeCIDR(next())
		case "-p", "--protocol":
			rule.Proto = strings.ToLower(next())
		case "-i", "--in-interface":
			rule.InIface = next()
		case "-o", "--out-interface":
			rule.OutIface = next()
		case "--sport", "--source-port":
			rule.SrcPort = parsePortRange(next())
		case "--dport", "--destination-port":
			rule.DstPort = parsePortRange(next())
		case "--match-set":
			name := next()
			dirs := strings.Split(next(), ",")
			rule.MatchSets = append(rule.MatchSets, MatchSetRef{Name: name, Dirs: dirs})
		case "--dscp":
			v, err := strconv.ParseUint(next(), 10, 8)
			if err == nil {
				d := uint8(v)
				rule.DSCP = &d
			}
		case "--mark":
			markStr := next()
			markStr = strings.SplitN(markStr, "/", 2)[0]
			v, err := strconv.ParseUint(strings.TrimPrefix(markStr, "0x"), hexOrDec(markStr), 32)
			if err == nil {
				m := uint32(v)
				rule.Mark = &m
			}
		case "--state":
			rule.State = strings.Split(next(), ",")
		case "-j", "--jump":
			target := next()
			switch strings.ToUpper(target) {
			case "ACCEPT":
				rule.Target = TargetAccept
			case "DROP":
				rule.Target = TargetDrop
			case "REJECT":
				rule.Target = TargetReject
			case "LOG":
				rule.Target = TargetLog
			case "MASQUERADE":
				rule.Target = TargetMasquerade
			case "SNAT":
				rule.Target = TargetSNAT
			case "DNAT":
				rule.Target = TargetDNAT
			case "MARK":
				rule.Target = TargetMark
			case "DSCP":
				rule.Target = TargetDSCP
			default:
				rule.Target = TargetJump
				rule.JumpChain = target
			}
		}
	}

	if chain == "" {
		return rule, "", fmt.Errorf("rule missing -A chain: %q", line)
	}
	rule.Chain = chain
	return rule, chain, nil
}

func hexOrDec(s string) int {
	if strings.HasPrefix(s, "0x") {
		return 16
	}
	return 10
}

func normalizeCIDR(s string) string {
	if s == "" || strings.Contains(s, "/") {
		return s
	}
	return s + "/32"
}

func parsePortRange(s string) *PortRange {
	if s == "" {
		return nil
	}
	if strings.Contains(s, ":") {
		parts := strings.SplitN(s, ":", 2)
		low := atoiDefault(parts[0], 0)
		high := atoiDefault(parts[1], low)
		return &PortRange{Low: low, High: high}
	}
	p := atoiDefault(s, 0)
	return &PortRange{Low: p, High: p}
}

// tokenize splits an iptables-save rule line on whitespace while respecting
// the simple forms emitted by iptables-save (no embedded quoting beyond
// comment match strings, which are not predicates this matcher evaluates).
func tokenize(line string) []string {
	return strings.Fields(line)
}
