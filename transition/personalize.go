package transition

import (
	"os"
	"path/filepath"

	"github.com/superfly/restored"
	"github.com/superfly/restored/bundle"
	imagepkg "github.com/superfly/restored/image"
	"github.com/superfly/restored/manifest"
)

// Personalized is the result of the personalization pipeline (spec §4.9):
// the finished bytes ready for transmission, plus their length.
type Personalized struct {
	Bytes []byte
	Len   int
}

// PersonalizeByName runs the spec §4.9 pipeline for a component addressed
// by its logical manifest name: resolve (archivePath, blob) via the
// ticket's by-name lookup, extract, parse, optionally replace the
// signature, and re-serialize. Used by the boot-chain uploader (C6), which
// always knows component names up front.
func PersonalizeByName(bndl *bundle.Bundle, ticket *manifest.Ticket, logicalName string, custom bool, debugDir string) (*Personalized, error) {
	entry, err := ticket.LookupByName(logicalName)
	if err != nil {
		return nil, err
	}
	return personalize(bndl, entry, custom, debugDir)
}

// PersonalizeByPath runs the spec §4.9 pipeline for a component addressed
// by its archive path: resolve (logicalName, blob) via the ticket's
// by-path lookup. Used by the restore session loop (C7), which only
// learns a path string from the device's DataRequestMsg.
func PersonalizeByPath(bndl *bundle.Bundle, ticket *manifest.Ticket, archivePath string, custom bool, debugDir string) (*Personalized, error) {
	entry, err := ticket.LookupByPath(archivePath)
	if err != nil {
		return nil, err
	}
	return personalize(bndl, entry, custom, debugDir)
}

func personalize(bndl *bundle.Bundle, entry manifest.Entry, custom bool, debugDir string) (*Personalized, error) {
	raw, err := bndl.ExtractToMemory(entry.Path)
	if err != nil {
		return nil, err
	}
	img, err := imagepkg.Parse(raw)
	if err != nil {
		return nil, err
	}
	if !custom {
		if err := img.ReplaceSignature(entry.Blob); err != nil {
			return nil, restored.NewError("transition.personalize", restored.KindImageMalformed, entry.Name, err)
		}
	}
	out, err := img.Serialize()
	if err != nil {
		return nil, restored.NewError("transition.personalize", restored.KindImageMalformed, entry.Name, err)
	}
	if debugDir != "" {
		dest := filepath.Join(debugDir, filepath.Base(entry.Path))
		if err := os.WriteFile(dest, out, 0o644); err != nil {
			return nil, restored.NewError("transition.personalize", restored.KindBundleCorrupt, entry.Path, err)
		}
	}
	return &Personalized{Bytes: out, Len: len(out)}, nil
}
