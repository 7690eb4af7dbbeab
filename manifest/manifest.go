// Package manifest implements the typed view over a firmware manifest and a
// signing-ticket response (spec §4.2): lookup by logical component name and
// by archive path. The ticket's entries are held in an immutable.Map, since
// spec §3 states a ticket is immutable once received; a go-memdb table
// indexes the entries by both name and path once, up front, replacing the
// source's per-call O(N) scan (spec §9 design note).
package manifest

import (
	"fmt"

	"github.com/benbjohnson/immutable"
	memdb "github.com/hashicorp/go-memdb"

	"github.com/superfly/restored"
	"github.com/superfly/restored/plist"
)

// Entry is the resolved (path, blob) pair for one ticket component, or the
// inverse (name, blob) pair when resolved by path.
type Entry struct {
	Name string
	Path string
	Blob []byte
}

// Manifest is a typed, read-only view over a decoded BuildManifest.plist
// dictionary. Its typed projection is each logical component's archive
// path (spec §3) and the list of top-level component names; Raw exposes
// the underlying dictionary untyped.
type Manifest struct {
	raw plist.Value
}

// Decode builds a Manifest from a decoded plist Value, which must be a
// Dict. Decode does not validate every component eagerly: ComponentPath
// fails per-component with ManifestMalformed.
func Decode(v plist.Value) (*Manifest, error) {
	if v.Kind() != plist.KindDict {
		return nil, restored.NewError("manifest.decode", restored.KindManifestMalformed, "", fmt.Errorf("root is %s, not dict", v.Kind()))
	}
	return &Manifest{raw: v}, nil
}

// ComponentPath reads <name>.Info.Path out of the manifest, per spec §4.2's
// manifestFilesystemPath operation generalized to any component name (the
// spec's manifestFilesystemPath is ComponentPath("OS")).
func (m *Manifest) ComponentPath(name string) (string, error) {
	comp, err := m.raw.Field(name)
	if err != nil {
		return "", restored.NewError("manifest.lookup", restored.KindManifestMalformed, name, err)
	}
	info, err := comp.Field("Info")
	if err != nil {
		return "", restored.NewError("manifest.lookup", restored.KindManifestMalformed, name, err)
	}
	pathVal, err := info.Field("Path")
	if err != nil {
		return "", restored.NewError("manifest.lookup", restored.KindManifestMalformed, name, err)
	}
	p, err := pathVal.AsString()
	if err != nil {
		return "", restored.NewError("manifest.lookup", restored.KindManifestMalformed, name, err)
	}
	return p, nil
}

// FilesystemPath is manifestFilesystemPath from spec §4.2: the archive path
// of the root filesystem payload component.
func (m *Manifest) FilesystemPath() (string, error) {
	return m.ComponentPath("OS")
}

// ComponentNames lists every top-level key in the manifest, in no
// particular order. Used by the signing client (C4) to enumerate the
// component set for buildRequest.
func (m *Manifest) ComponentNames() ([]string, error) {
	d, err := m.raw.AsDict()
	if err != nil {
		return nil, restored.NewError("manifest.lookup", restored.KindManifestMalformed, "", err)
	}
	names := make([]string, 0, len(d))
	for k := range d {
		names = append(names, k)
	}
	return names, nil
}

// Raw exposes the underlying plist.Value, for the signing client to encode
// the whole manifest into a personalization request.
func (m *Manifest) Raw() plist.Value { return m.raw }

const ticketTable = "ticket_entry"

var ticketSchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		ticketTable: {
			Name: ticketTable,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "Name"},
				},
				"path": {
					Name:    "path",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "Path"},
				},
			},
		},
	},
}

// Ticket is the signing authority's response (spec §3 TicketResponse),
// immutable once constructed. Entries are stored twice: once in an
// immutable.Map keyed by logical name (the ownership-facing view), and
// once in a go-memdb table indexed by both name and path (the lookup-facing
// view) built once at construction time.
type Ticket struct {
	entries *immutable.Map[string, Entry]
	db      *memdb.MemDB
}

// DecodeTicket builds a Ticket from a decoded plist Value, which must be a
// Dict. Top-level entries that are not themselves dicts are skipped rather
// than rejected: spec §4.2's ticketLookupByPath scans "all top-level dict
// entries", implying non-dict entries coexist with the real component
// entries, exactly as the ground truth's get_tss_data_by_path skips any
// tss_entry whose node type isn't PLIST_DICT. Entries that look like
// component dicts but are missing Path/Blob still fail TicketMalformed,
// since the dual index must be built up front.
func DecodeTicket(v plist.Value) (*Ticket, error) {
	d, err := v.AsDict()
	if err != nil {
		return nil, restored.NewError("manifest.ticket.decode", restored.KindTicketMalformed, "", err)
	}

	db, err := memdb.NewMemDB(ticketSchema)
	if err != nil {
		return nil, fmt.Errorf("manifest: init ticket index: %w", err)
	}
	txn := db.Txn(true)

	b := immutable.NewMapBuilder[string, Entry](nil)
	for name, entryVal := range d {
		if entryVal.Kind() != plist.KindDict {
			continue
		}
		pathVal, err := entryVal.Field("Path")
		if err != nil {
			txn.Abort()
			return nil, restored.NewError("manifest.ticket.decode", restored.KindTicketMalformed, name, err)
		}
		pathStr, err := pathVal.AsString()
		if err != nil {
			txn.Abort()
			return nil, restored.NewError("manifest.ticket.decode", restored.KindTicketMalformed, name, err)
		}
		blobVal, err := entryVal.Field("Blob")
		if err != nil {
			txn.Abort()
			return nil, restored.NewError("manifest.ticket.decode", restored.KindTicketMalformed, name, err)
		}
		blob, err := blobVal.AsBytes()
		if err != nil {
			txn.Abort()
			return nil, restored.NewError("manifest.ticket.decode", restored.KindTicketMalformed, name, err)
		}

		e := Entry{Name: name, Path: pathStr, Blob: blob}
		b.Set(name, e)
		if err := txn.Insert(ticketTable, &e); err != nil {
			txn.Abort()
			return nil, restored.NewError("manifest.ticket.decode", restored.KindTicketMalformed, name, fmt.Errorf("duplicate archive path %q: %w", pathStr, err))
		}
	}
	txn.Commit()

	return &Ticket{entries: b.Map(), db: db}, nil
}

// LookupByName is ticketLookupByName from spec §4.2: a direct key lookup.
func (t *Ticket) LookupByName(logicalName string) (Entry, error) {
	e, ok := t.entries.Get(logicalName)
	if !ok {
		return Entry{}, restored.NewError("manifest.ticket.lookup", restored.KindTicketEntryMissing, logicalName, nil)
	}
	return e, nil
}

// LookupByPath is ticketLookupByPath from spec §4.2: resolves the logical
// name and blob for the entry whose Path equals archivePath. Implemented
// as an indexed go-memdb lookup, built once at Decode time, rather than the
// source's per-call linear scan (spec §9 design note); the observable
// contract — first match, TicketEntryMissing if none — is unchanged,
// and the uniqueness invariant (spec §3) means there is at most one match
// to find.
func (t *Ticket) LookupByPath(archivePath string) (Entry, error) {
	txn := t.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(ticketTable, "path", archivePath)
	if err != nil {
		return Entry{}, fmt.Errorf("manifest: ticket path index: %w", err)
	}
	if raw == nil {
		return Entry{}, restored.NewError("manifest.ticket.lookup", restored.KindTicketEntryMissing, archivePath, nil)
	}
	e := raw.(*Entry)
	return *e, nil
}

// Len reports how many entries the ticket carries.
func (t *Ticket) Len() int { return t.entries.Len() }
