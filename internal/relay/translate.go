package relay

import (
	"regexp"
	"strconv"
	"time"
)

// maxContentLen is the message length both platforms accept. Longer bodies are cut to
// truncateKeep runes with a marker appended.
const (
	maxContentLen = 2000
	truncateKeep  = 1997
)

// Mention tokens cannot be carried across platforms: the id spaces are disjoint and resolving
// display names for every token would cost a REST call per mention. They are replaced with
// readable stand-ins instead.
var (
	sourceSpoiler   = regexp.MustCompile(`\|\|([\s\S]+?)\|\|`)
	sourceUserRef   = regexp.MustCompile(`<@!?\d+>`)
	sourceChanRef   = regexp.MustCompile(`<#\d+>`)
	sourceRoleRef   = regexp.MustCompile(`<@&\d+>`)
	sourceEmojiRef  = regexp.MustCompile(`<a?:(\w+):\d+>`)
	sourceTimestamp = regexp.MustCompile(`<t:(-?\d+)(?::[a-zA-Z])?>`)

	targetSpoiler = regexp.MustCompile(`!!([\s\S]+?)!!`)
	targetUserRef = regexp.MustCompile(`<@[A-Z0-9]{26}>`)
	targetChanRef = regexp.MustCompile(`<#[A-Z0-9]{26}>`)
)

// ToTarget rewrites source-platform markup into its target-platform rendition.
func ToTarget(content string) string {
	out := sourceSpoiler.ReplaceAllString(content, "!!$1!!")
	out = sourceRoleRef.ReplaceAllString(out, "@unknown-role")
	out = sourceUserRef.ReplaceAllString(out, "@unknown-user")
	out = sourceChanRef.ReplaceAllString(out, "#unknown-channel")
	out = sourceEmojiRef.ReplaceAllString(out, ":$1:")
	out = sourceTimestamp.ReplaceAllStringFunc(out, func(tok string) string {
		m := sourceTimestamp.FindStringSubmatch(tok)
		secs, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return tok
		}
		return time.Unix(secs, 0).UTC().Format(time.RFC3339)
	})
	return truncate(out)
}

// ToSource rewrites target-platform markup into its source-platform rendition.
func ToSource(content string) string {
	out := targetSpoiler.ReplaceAllString(content, "||$1||")
	out = targetUserRef.ReplaceAllString(out, "@unknown-user")
	out = targetChanRef.ReplaceAllString(out, "#unknown-channel")
	return truncate(out)
}

// truncate clips content to the shared platform limit, marking the cut.
func truncate(content string) string {
	runes := []rune(content)
	if len(runes) <= maxContentLen {
		return content
	}
	return string(runes[:truncateKeep]) + "..."
}
