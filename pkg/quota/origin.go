package quota

import (
	"fmt"
	"path"
	"strings"
)

// PersistenceType selects the storage repository an origin lives in.
// Values are stable on the wire.
type PersistenceType uint32

const (
	PersistenceTypePersistent PersistenceType = iota
	PersistenceTypeTemporary
	PersistenceTypeDefault
)

// AllPersistenceTypes lists the valid persistence types in repository order.
var AllPersistenceTypes = []PersistenceType{
	PersistenceTypePersistent,
	PersistenceTypeTemporary,
	PersistenceTypeDefault,
}

func (p PersistenceType) String() string {
	switch p {
	case PersistenceTypePersistent:
		return "persistent"
	case PersistenceTypeTemporary:
		return "temporary"
	case PersistenceTypeDefault:
		return "default"
	default:
		return fmt.Sprintf("invalid(%d)", uint32(p))
	}
}

// Valid reports whether p names a known repository.
func (p PersistenceType) Valid() bool {
	return p <= PersistenceTypeDefault
}

// ParsePersistenceType parses the String form of a persistence type.
func ParsePersistenceType(s string) (PersistenceType, error) {
	for _, p := range AllPersistenceTypes {
		if strings.EqualFold(s, p.String()) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidPersistenceType, s)
}

// ClientType names a storage client inside an origin directory.
type ClientType string

// ClientSDB is the simple database client. Its directory name is also its type.
const ClientSDB ClientType = "sdb"

// OriginMetadata identifies one origin within one repository.
type OriginMetadata struct {
	Origin      string
	Persistence PersistenceType
}

func (m OriginMetadata) String() string {
	return m.Persistence.String() + "/" + m.Origin
}

// ClientMetadata identifies one client's storage within an origin.
type ClientMetadata struct {
	OriginMetadata
	Client ClientType
}

// SanitizeOrigin turns an origin into a single path element.
// "https://example.com:8080" becomes "https+++example.com+8080".
func SanitizeOrigin(origin string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ':', '/', '\\', '*', '?', '"', '<', '>', '|':
			return '+'
		}
		return r
	}, origin)
}

// RepositoryDirectory returns the directory holding every origin of a persistence type.
func RepositoryDirectory(p PersistenceType) string {
	return p.String()
}

// OriginDirectory returns the directory of an origin, relative to the storage root.
func OriginDirectory(m OriginMetadata) string {
	return path.Join(RepositoryDirectory(m.Persistence), SanitizeOrigin(m.Origin))
}

// ClientDirectory returns the directory of one client inside an origin.
func ClientDirectory(m ClientMetadata) string {
	return path.Join(OriginDirectory(m.OriginMetadata), string(m.Client))
}
