package server

import (
	"bufio"
	"io"
	"os"
	"sort"
	"strings"
)

// A TokenDecoder validates and decodes the API keys passed in the
// X-Api-Key header. If the given token is not valid, for whatever reason,
// the user "" with a role of RoleUnknown is returned. An error is returned
// only if the lookup itself failed and the status of the token is unknown.
type TokenDecoder interface {
	TokenDecode(token string) (user string, role Role, err error)
}

// A Role is a level of API access. Each route requires a least role; a
// token carries the highest role it grants.
type Role int

const (
	RoleUnknown Role = iota
	RoleMDOnly       // can read metadata but not content
	RoleRead
	RoleWrite
	RoleAdmin
)

func atoRole(s string) Role {
	switch strings.ToLower(s) {
	case "mdonly":
		return RoleMDOnly
	case "read":
		return RoleRead
	case "write":
		return RoleWrite
	case "admin":
		return RoleAdmin
	default:
		return RoleUnknown
	}
}

// NewNobodyDecoder creates a TokenDecoder that for every possible token
// returns a user named "nobody" with the Admin role. It is the default
// when no token file is configured.
func NewNobodyDecoder() TokenDecoder {
	return new(nobodyDecoder)
}

type nobodyDecoder struct{}

func (_ nobodyDecoder) TokenDecode(token string) (string, Role, error) {
	return "nobody", RoleAdmin, nil
}

// A ListDecoder is backed by a predefined list of users, read from r upon
// creation. The reader should consist of user entries separated by
// newlines, each of the form:
//
//	<user name>  <role>  <token>
//
// Fields are delineated by whitespace, so neither the user name nor the
// token may contain spaces. The role is one of "MDOnly", "Read", "Write",
// "Admin" (case insensitive). Empty lines and lines beginning with a hash
// '#' are skipped.
func NewListDecoder(r io.Reader) (TokenDecoder, error) {
	users, err := parseListFile(r)
	if err != nil {
		return nil, err
	}
	sort.Sort(byToken(users))
	return listDecoder{users}, nil
}

// NewListDecoderFile reads the named file into a ListDecoder.
func NewListDecoderFile(fname string) (TokenDecoder, error) {
	f, err := os.Open(fname)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return NewListDecoder(f)
}

func parseListFile(r io.Reader) ([]userEntry, error) {
	var result []userEntry
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		pieces := strings.Fields(scanner.Text())
		// skip blank lines or lines beginning with a '#'
		if len(pieces) == 0 || pieces[0][0] == '#' {
			continue
		}
		if len(pieces) != 3 {
			// wrong number of columns
			continue
		}
		result = append(result, userEntry{
			token: pieces[2],
			user:  pieces[0],
			role:  atoRole(pieces[1]),
		})
	}
	return result, scanner.Err()
}

type listDecoder struct {
	data []userEntry
}

type byToken []userEntry

func (ue byToken) Len() int           { return len(ue) }
func (ue byToken) Less(i, j int) bool { return ue[i].token < ue[j].token }
func (ue byToken) Swap(i, j int)      { ue[i], ue[j] = ue[j], ue[i] }

type userEntry struct {
	token string
	user  string
	role  Role
}

func (ld listDecoder) TokenDecode(token string) (string, Role, error) {
	users := ld.data
	i := sort.Search(len(users), func(i int) bool { return users[i].token >= token })
	if i < len(users) && users[i].token == token {
		return users[i].user, users[i].role, nil
	}
	return "", RoleUnknown, nil
}
