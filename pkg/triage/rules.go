package triage

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/butlerhq/butlerd/pkg/contract"
)

// SortRules orders rules for evaluation: (priority ASC, created_at ASC, id ASC).
func SortRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		if !rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].CreatedAt.Before(rules[j].CreatedAt)
		}
		return rules[i].ID < rules[j].ID
	})
}

// EvaluateRules walks the rules in evaluation order and returns the decision
// of the first matching rule, or nil when none match. Evaluation is pure:
// a malformed rule is skipped, never fatal.
func EvaluateRules(env *contract.IngestEnvelope, rules []Rule) *Decision {
	SortRules(rules)
	for i := range rules {
		rule := &rules[i]
		matched, err := ruleMatches(env, rule)
		if err != nil || !matched {
			continue
		}
		decision, target := parseAction(rule.Action)
		if decision == "" {
			continue
		}
		id := rule.ID
		return &Decision{
			Decision:        decision,
			TargetButler:    target,
			MatchedRuleID:   &id,
			MatchedRuleType: rule.RuleType,
			Reason:          fmt.Sprintf("%s match → %s", rule.RuleType, rule.Action),
		}
	}
	return nil
}

// parseAction maps a stored action string to (decision, target butler).
func parseAction(action string) (string, string) {
	switch action {
	case "skip":
		return DecisionSkip, ""
	case "metadata_only":
		return DecisionMetadataOnly, ""
	case "low_priority_queue":
		return DecisionLowPriorityQueue, ""
	case "pass_through":
		return DecisionPassThrough, ""
	}
	if butler, ok := strings.CutPrefix(action, "route_to:"); ok && butler != "" {
		return DecisionRouteTo, butler
	}
	return "", ""
}

type senderDomainCond struct {
	Domain string `json:"domain"`
	Match  string `json:"match"`
}

type senderAddressCond struct {
	Address string `json:"address"`
}

type headerCond struct {
	Header string `json:"header"`
	Op     string `json:"op"`
	Value  string `json:"value,omitempty"`
}

type mimeTypeCond struct {
	Type string `json:"type"`
}

func ruleMatches(env *contract.IngestEnvelope, rule *Rule) (bool, error) {
	switch rule.RuleType {
	case RuleSenderDomain:
		var cond senderDomainCond
		if err := json.Unmarshal(rule.Condition, &cond); err != nil {
			return false, err
		}
		return matchSenderDomain(env.SenderDomain(), cond), nil

	case RuleSenderAddress:
		var cond senderAddressCond
		if err := json.Unmarshal(rule.Condition, &cond); err != nil {
			return false, err
		}
		sender := strings.ToLower(strings.TrimSpace(env.Sender.Identity))
		return sender != "" && sender == strings.ToLower(strings.TrimSpace(cond.Address)), nil

	case RuleHeaderCondition:
		var cond headerCond
		if err := json.Unmarshal(rule.Condition, &cond); err != nil {
			return false, err
		}
		return matchHeader(env.Payload.Headers, cond), nil

	case RuleMimeType:
		var cond mimeTypeCond
		if err := json.Unmarshal(rule.Condition, &cond); err != nil {
			return false, err
		}
		for _, mt := range env.Payload.MimeTypes {
			if matchMimeType(mt, cond.Type) {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("unknown rule type %q", rule.RuleType)
}

// matchSenderDomain: exact equality, or with match=suffix also any subdomain.
func matchSenderDomain(senderDomain string, cond senderDomainCond) bool {
	if senderDomain == "" {
		return false
	}
	want := strings.ToLower(strings.TrimSpace(cond.Domain))
	if want == "" {
		return false
	}
	if senderDomain == want {
		return true
	}
	return cond.Match == "suffix" && strings.HasSuffix(senderDomain, "."+want)
}

// matchHeader: header key lookup is case-insensitive; equals trims both
// sides; contains is a substring test on the raw value.
func matchHeader(headers map[string]string, cond headerCond) bool {
	var value string
	var present bool
	for k, v := range headers {
		if strings.EqualFold(k, cond.Header) {
			value, present = v, true
			break
		}
	}
	switch cond.Op {
	case "present":
		return present
	case "equals":
		return present && strings.TrimSpace(value) == strings.TrimSpace(cond.Value)
	case "contains":
		return present && strings.Contains(value, cond.Value)
	}
	return false
}

// matchMimeType: exact match, or subtype wildcard ("image/*" matches "image/png").
func matchMimeType(got, want string) bool {
	if got == want {
		return true
	}
	if prefix, ok := strings.CutSuffix(want, "/*"); ok {
		return strings.HasPrefix(got, prefix+"/")
	}
	return false
}
