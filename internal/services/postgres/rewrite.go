package postgres

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/fgeck/pgback/internal/models"
	"github.com/jackc/pgx/v5"
)

var (
	reOwnerStmt  = regexp.MustCompile(`(?i)^\s*ALTER\s+.+\s+OWNER\s+TO\s+`)
	reOwnerTo    = regexp.MustCompile(`(?i)(\bOWNER\s+TO\s+)("(?:[^"]|"")+"|[A-Za-z_][\w$]*)`)
	reCopyHeader = regexp.MustCompile(`(?i)^COPY\s+.+\s+FROM\s+stdin;\s*$`)
	reSearchPath = regexp.MustCompile(`(?i)(\bsearch_path\s*(?:=|\bTO\b)\s*)([^;]*)`)

	reDollarTag    = regexp.MustCompile(`^\$(?:[A-Za-z_]\w*)?\$`)
	reRegclassCast = regexp.MustCompile(`(?i)^\s*::\s*regclass\b`)
	reRelationFunc = regexp.MustCompile(`(?i)\b(?:nextval|setval|currval|to_regclass)\s*\(\s*$`)
)

// Rewriter rewrites the plain SQL produced by pg_restore line by line:
// spatial extension statements are dropped, ownership is stripped or forced
// onto one role, and every reference to one schema is moved to another.
// COPY data blocks are passed through untouched.
type Rewriter struct {
	w     io.Writer
	rules models.RewriteRules

	buf         []byte
	inCopy      bool
	dropping    bool
	wroteHeader bool

	// lexical state of the schema rename scanner, carried across lines
	inLiteral     bool
	literalEscape bool
	dollarTag     string

	reExtension   *regexp.Regexp
	reCreateSch   *regexp.Regexp
	reCommentSch  *regexp.Regexp
	reSchemaKW    *regexp.Regexp
	reQualified   *regexp.Regexp
	role          string
	schemaTo      string
	schemaFromSet map[string]bool
}

// NewRewriter creates a Rewriter writing to w. Close must be called to flush.
func NewRewriter(w io.Writer, rules models.RewriteRules) *Rewriter {
	r := &Rewriter{w: w, rules: rules}

	if len(rules.StripExtensions) > 0 {
		names := make([]string, len(rules.StripExtensions))
		for i, n := range rules.StripExtensions {
			names[i] = regexp.QuoteMeta(n)
		}
		r.reExtension = regexp.MustCompile(`(?i)^\s*(?:CREATE|ALTER|DROP|COMMENT\s+ON)\s+EXTENSION\s+(?:IF\s+(?:NOT\s+)?EXISTS\s+)?"?(?:` +
			strings.Join(names, "|") + `)"?(?:\s|;|$)`)
	}

	if rules.ForceRole != "" {
		r.role = pgx.Identifier{rules.ForceRole}.Sanitize()
	}

	if rules.SchemaFrom != "" && rules.SchemaTo != "" {
		from := schemaAlternatives(rules.SchemaFrom)
		r.schemaTo = pgx.Identifier{rules.SchemaTo}.Sanitize()
		r.reCreateSch = regexp.MustCompile(`^\s*(?i:CREATE\s+SCHEMA\s+(?:IF\s+NOT\s+EXISTS\s+)?)` + from + `(\s|;|$)`)
		r.reCommentSch = regexp.MustCompile(`^\s*(?i:COMMENT\s+ON\s+SCHEMA)\s+` + from + `\s+(?i:IS)\b`)
		r.reSchemaKW = regexp.MustCompile(`(\b(?i:SCHEMA)\s+)` + from + `([\s;,)]|$)`)
		r.reQualified = regexp.MustCompile(`(^|[^\w".$])` + from + `\.`)
		r.schemaFromSet = map[string]bool{
			rules.SchemaFrom:                           true,
			pgx.Identifier{rules.SchemaFrom}.Sanitize(): true,
			"'" + rules.SchemaFrom + "'":                true,
		}
	}

	return r
}

// schemaAlternatives matches a schema name the way pg_dump may print it.
// Unquoted spelling is only possible for plain lower-case identifiers.
func schemaAlternatives(name string) string {
	quoted := regexp.QuoteMeta(pgx.Identifier{name}.Sanitize())
	if simpleIdent.MatchString(name) {
		return `(?:` + quoted + `|` + regexp.QuoteMeta(name) + `)`
	}
	return `(?:` + quoted + `)`
}

// Write implements io.Writer. Input is processed one complete line at a time.
func (r *Rewriter) Write(p []byte) (int, error) {
	r.buf = append(r.buf, p...)

	for {
		idx := bytes.IndexByte(r.buf, '\n')
		if idx < 0 {
			break
		}
		line := string(r.buf[:idx])
		r.buf = r.buf[idx+1:]

		if err := r.emit(line, true); err != nil {
			return 0, err
		}
	}

	return len(p), nil
}

// Close flushes a trailing partial line. It does not close the underlying writer.
func (r *Rewriter) Close() error {
	if len(r.buf) > 0 {
		line := string(r.buf)
		r.buf = nil
		return r.emit(line, false)
	}
	return r.writeHeader()
}

func (r *Rewriter) emit(line string, newline bool) error {
	if err := r.writeHeader(); err != nil {
		return err
	}

	out, keep := r.rewriteLine(line)
	if !keep {
		return nil
	}
	if newline {
		out += "\n"
	}
	_, err := io.WriteString(r.w, out)
	return err
}

func (r *Rewriter) writeHeader() error {
	if r.wroteHeader {
		return nil
	}
	r.wroteHeader = true

	if r.role == "" {
		return nil
	}
	_, err := fmt.Fprintf(r.w, "SET ROLE %s;\n", r.role)
	return err
}

// rewriteLine returns the rewritten line and whether it is kept.
func (r *Rewriter) rewriteLine(line string) (string, bool) {
	if r.inCopy {
		if line == `\.` {
			r.inCopy = false
		}
		return line, true
	}

	if r.dropping {
		r.dropping = !endsStatement(line)
		return "", false
	}

	if r.shouldDrop(line) {
		r.dropping = !endsStatement(line)
		return "", false
	}

	if r.role != "" {
		line = reOwnerTo.ReplaceAllString(line, "${1}"+literal(r.role))
	}

	if r.schemaTo != "" {
		line = r.renameSchema(line)
	}

	if reCopyHeader.MatchString(line) {
		r.inCopy = true
	}

	return line, true
}

func (r *Rewriter) shouldDrop(line string) bool {
	if r.reExtension != nil && r.reExtension.MatchString(line) {
		return true
	}
	if r.rules.StripOwnership && reOwnerStmt.MatchString(line) {
		return true
	}
	if r.reCommentSch != nil && r.reCommentSch.MatchString(line) {
		return true
	}
	return false
}

func (r *Rewriter) renameSchema(line string) string {
	if r.reCreateSch.MatchString(line) {
		return r.reCreateSch.ReplaceAllString(line, "CREATE SCHEMA IF NOT EXISTS "+literal(r.schemaTo)+"${1}")
	}

	line = reSearchPath.ReplaceAllStringFunc(line, r.rewriteSearchPath)

	segs := r.splitLiterals(line)
	var b strings.Builder
	for i, seg := range segs {
		switch {
		case !seg.literal:
			code := r.reSchemaKW.ReplaceAllString(seg.text, "${1}"+literal(r.schemaTo)+"${2}")
			b.WriteString(r.reQualified.ReplaceAllString(code, "${1}"+literal(r.schemaTo)+"."))
		case namesRelation(segs, i):
			b.WriteString(r.reQualified.ReplaceAllString(seg.text, "${1}"+literal(r.schemaTo)+"."))
		default:
			b.WriteString(seg.text)
		}
	}
	return b.String()
}

type segment struct {
	text    string
	literal bool
}

// namesRelation reports whether the literal at segs[i] is a relation name:
// cast to regclass or passed to a sequence or regclass function.
func namesRelation(segs []segment, i int) bool {
	if i+1 < len(segs) && !segs[i+1].literal && reRegclassCast.MatchString(segs[i+1].text) {
		return true
	}
	return i > 0 && !segs[i-1].literal && reRelationFunc.MatchString(segs[i-1].text)
}

// splitLiterals cuts a line into code and single-quoted literal segments.
// Quoted identifiers and dollar-quoted bodies count as code. A literal left
// open at the end of the line continues on the next one, except inside a
// dollar-quoted body.
func (r *Rewriter) splitLiterals(line string) []segment {
	var segs []segment
	start := 0
	cut := func(end int, lit bool) {
		if end > start {
			segs = append(segs, segment{text: line[start:end], literal: lit})
		}
		start = end
	}

	for i := 0; i < len(line); i++ {
		c := line[i]
		if r.inLiteral {
			switch {
			case r.literalEscape && c == '\\':
				i++
			case c == '\'':
				cut(i+1, true)
				r.inLiteral = false
			}
			continue
		}

		switch c {
		case '\'':
			cut(i, false)
			r.inLiteral = true
			r.literalEscape = i > 0 && (line[i-1] == 'E' || line[i-1] == 'e') && (i == 1 || !isWordByte(line[i-2]))
		case '"':
			if end := strings.IndexByte(line[i+1:], '"'); end >= 0 {
				i += end + 1
			}
		case '$':
			if i > 0 && isWordByte(line[i-1]) {
				continue
			}
			tag := reDollarTag.FindString(line[i:])
			if tag == "" {
				continue
			}
			switch r.dollarTag {
			case "":
				r.dollarTag = tag
			case tag:
				r.dollarTag = ""
			}
			i += len(tag) - 1
		}
	}
	cut(len(line), r.inLiteral)

	if r.inLiteral && r.dollarTag != "" {
		r.inLiteral = false
	}
	return segs
}

func isWordByte(c byte) bool {
	return c == '_' || c == '$' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

// rewriteSearchPath replaces the source schema inside a search_path list,
// keeping string-literal quoting where the dump used it.
func (r *Rewriter) rewriteSearchPath(match string) string {
	parts := reSearchPath.FindStringSubmatch(match)
	prefix, list := parts[1], parts[2]

	items := strings.Split(list, ",")
	for i, item := range items {
		trimmed := strings.TrimSpace(item)
		if !r.schemaFromSet[trimmed] {
			continue
		}
		replacement := r.schemaTo
		if strings.HasPrefix(trimmed, "'") {
			replacement = "'" + strings.ReplaceAll(r.rules.SchemaTo, "'", "''") + "'"
		}
		items[i] = strings.Replace(item, trimmed, replacement, 1)
	}

	return prefix + strings.Join(items, ",")
}

func endsStatement(line string) bool {
	return strings.HasSuffix(strings.TrimSpace(line), ";")
}

// literal escapes s for use as a regexp replacement template.
func literal(s string) string {
	return strings.ReplaceAll(s, "$", "$$")
}
