package services

import (
	"fmt"
	"strings"
)

// ChannelTypeOther is the fallback when no classification rule matches.
const ChannelTypeOther = "Other"

// channelRule maps name substrings to a business category. Rules are applied
// in order and the first match wins: a channel named "Medical Cosmetics Co"
// is Cosmetics, not Medical. Existing categorizations depend on this order.
type channelRule struct {
	Keywords    []string
	ChannelType string
}

var channelRules = []channelRule{
	{Keywords: []string{"pharma"}, ChannelType: "Pharmaceutical"},
	{Keywords: []string{"cosmetic", "beauty"}, ChannelType: "Cosmetics"},
	{Keywords: []string{"medical", "chemed"}, ChannelType: "Medical"},
}

// ClassifyChannel derives the channel type from its name via case-insensitive
// substring matching.
func ClassifyChannel(name string) string {
	lower := strings.ToLower(name)
	for _, rule := range channelRules {
		for _, kw := range rule.Keywords {
			if strings.Contains(lower, kw) {
				return rule.ChannelType
			}
		}
	}
	return ChannelTypeOther
}

// channelTypeCaseSQL renders the rule table as a SQL CASE expression so the
// dimensional model classifies exactly like ClassifyChannel.
func channelTypeCaseSQL(column string) string {
	var b strings.Builder
	b.WriteString("CASE")
	for _, rule := range channelRules {
		var tests []string
		for _, kw := range rule.Keywords {
			tests = append(tests, fmt.Sprintf("LOWER(%s) LIKE '%%%s%%'", column, kw))
		}
		fmt.Fprintf(&b, " WHEN %s THEN '%s'", strings.Join(tests, " OR "), rule.ChannelType)
	}
	fmt.Fprintf(&b, " ELSE '%s' END", ChannelTypeOther)
	return b.String()
}
