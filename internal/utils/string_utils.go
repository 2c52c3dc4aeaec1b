package utils

import (
	"strings"
)

func Capitalize(str string) string {
	if len(str) == 0 {
		return ""
	}
	return strings.ToUpper(string([]rune(str)[0])) + string([]rune(str)[1:])
}

// SplitScopes splits a space delimited scope string, dropping empty and
// duplicate entries while keeping the original order
func SplitScopes(scope string) []string {
	fields := strings.Fields(scope)
	seen := make(map[string]struct{}, len(fields))
	scopes := make([]string, 0, len(fields))

	for _, s := range fields {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		scopes = append(scopes, s)
	}

	return scopes
}

func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}
