package syncrep

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/pkg/errors"
)

// GroupSpec is the parsed synchronous_standby_names topology: a quorum
// count over an ordered member list. Members are standby names, the
// wildcard "*", or nested groups.
type GroupSpec struct {
	WaitNum int
	Members []Member
}

// Member is one element of a group: a named standby, "*", or a subgroup.
type Member struct {
	Name  string
	Group *GroupSpec
}

// ParseStandbyNames parses the synchronous_standby_names grammar:
//
//	spec   := '' | list | num '[' list ']'
//	list   := member (',' member)*
//	member := name | '"' name '"' | '*' | num '[' list ']'
//
// A bare list is shorthand for a group with wait_num 1. An empty string
// returns a nil group, meaning no synchronous standbys are defined.
func ParseStandbyNames(s string) (*GroupSpec, error) {
	var p = &nameParser{input: s}
	p.skipSpace()
	if p.eof() {
		return nil, nil
	}

	var group, err = p.parseSpec()
	if err != nil {
		return nil, errors.WithMessagef(err, "parsing synchronous_standby_names %q", s)
	}
	p.skipSpace()
	if !p.eof() {
		return nil, errors.Errorf(
			"parsing synchronous_standby_names %q: trailing input at offset %d", s, p.pos)
	}
	return group, nil
}

type nameParser struct {
	input string
	pos   int
}

func (p *nameParser) eof() bool { return p.pos >= len(p.input) }

func (p *nameParser) peek() byte { return p.input[p.pos] }

func (p *nameParser) skipSpace() {
	for !p.eof() && unicode.IsSpace(rune(p.peek())) {
		p.pos++
	}
}

func (p *nameParser) parseSpec() (*GroupSpec, error) {
	p.skipSpace()
	if !p.eof() && isDigit(p.peek()) {
		if group, ok, err := p.tryParseGroup(); err != nil {
			return nil, err
		} else if ok {
			return group, nil
		}
		// A leading digit with no bracket is a plain standby name, such
		// as "2ndary".
	}

	var members, err = p.parseList()
	if err != nil {
		return nil, err
	}
	return &GroupSpec{WaitNum: 1, Members: members}, nil
}

func (p *nameParser) parseList() ([]Member, error) {
	var members []Member
	for {
		var m, err = p.parseMember()
		if err != nil {
			return nil, err
		}
		members = append(members, m)

		p.skipSpace()
		if p.eof() || p.peek() != ',' {
			return members, nil
		}
		p.pos++ // ','
	}
}

func (p *nameParser) parseMember() (Member, error) {
	p.skipSpace()
	if p.eof() {
		return Member{}, errors.Errorf("expected a standby name at offset %d", p.pos)
	}

	switch {
	case p.peek() == '*':
		p.pos++
		return Member{Name: "*"}, nil

	case p.peek() == '"':
		var name, err = p.parseQuoted()
		return Member{Name: name}, err

	case isDigit(p.peek()):
		if group, ok, err := p.tryParseGroup(); err != nil {
			return Member{}, err
		} else if ok {
			return Member{Group: group}, nil
		}
		fallthrough

	default:
		var name = p.parseName()
		if name == "" {
			return Member{}, errors.Errorf("expected a standby name at offset %d", p.pos)
		}
		return Member{Name: name}, nil
	}
}

// tryParseGroup parses "num [ list ]" at the cursor. A number not
// followed by '[' is not a group; the cursor is restored and ok is false.
func (p *nameParser) tryParseGroup() (*GroupSpec, bool, error) {
	var save = p.pos

	var start = p.pos
	for !p.eof() && isDigit(p.peek()) {
		p.pos++
	}
	var digits = p.input[start:p.pos]

	p.skipSpace()
	if p.eof() || p.peek() != '[' {
		p.pos = save
		return nil, false, nil
	}
	p.pos++ // '['

	var n, err = strconv.Atoi(digits)
	if err != nil || n < 1 {
		return nil, false, errors.Errorf("invalid wait count %q", digits)
	}

	members, err := p.parseList()
	if err != nil {
		return nil, false, err
	}
	p.skipSpace()
	if p.eof() || p.peek() != ']' {
		return nil, false, errors.Errorf("expected ']' at offset %d", p.pos)
	}
	p.pos++ // ']'

	// A wildcard member may stand for any number of standbys.
	var wildcard bool
	for _, m := range members {
		wildcard = wildcard || m.Name == "*"
	}
	if n > len(members) && !wildcard {
		return nil, false, errors.Errorf(
			"wait count %d exceeds the %d listed members", n, len(members))
	}
	return &GroupSpec{WaitNum: n, Members: members}, true, nil
}

func (p *nameParser) parseQuoted() (string, error) {
	p.pos++ // '"'
	var b strings.Builder
	for {
		if p.eof() {
			return "", errors.Errorf("unterminated quoted name")
		}
		var c = p.peek()
		p.pos++

		if c == '"' {
			// A doubled quote is an escaped quote.
			if !p.eof() && p.peek() == '"' {
				p.pos++
				b.WriteByte('"')
				continue
			}
			return b.String(), nil
		}
		b.WriteByte(c)
	}
}

func (p *nameParser) parseName() string {
	var start = p.pos
	for !p.eof() && isNameChar(p.peek()) {
		p.pos++
	}
	return p.input[start:p.pos]
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isNameChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' ||
		isDigit(c) || c == '_' || c == '.' || c == '-'
}
