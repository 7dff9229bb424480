package transfer

import (
	"regexp"
	"strings"
)

// TranslateTableName replaces the source prefix with the destination
// prefix, but only when the table name begins with the source prefix. A
// name that merely contains the prefix substring elsewhere passes through
// unchanged.
func TranslateTableName(name, srcPrefix, dstPrefix string) string {
	if srcPrefix == "" || srcPrefix == dstPrefix {
		return name
	}
	if strings.HasPrefix(name, srcPrefix) {
		return dstPrefix + name[len(srcPrefix):]
	}
	return name
}

// RewriteSchema rewrites every whole-token occurrence of the source table
// name in a schema statement to the destination name, covering the
// backtick-quoted, double-quoted, and bare-word forms. Quoting is
// preserved; a name appearing as a substring of a longer identifier is
// left alone.
func RewriteSchema(schema, from, to string) string {
	if from == to {
		return schema
	}
	q := regexp.QuoteMeta(from)
	re := regexp.MustCompile("`" + q + "`|\"" + q + "\"|\\b" + q + "\\b")
	return re.ReplaceAllStringFunc(schema, func(match string) string {
		switch {
		case strings.HasPrefix(match, "`"):
			return "`" + to + "`"
		case strings.HasPrefix(match, `"`):
			return `"` + to + `"`
		default:
			return to
		}
	})
}
