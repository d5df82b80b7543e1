// Package secretfile implements outbound.SecretStore as a single file on
// disk. Every Put writes a new version; the file is replaced atomically and
// guarded by a cross-process lock so several local instances can share it.
// With a passphrase configured the whole file is age-encrypted (scrypt).
package secretfile

import "time"

// fileFormatVersion is the schema version written to new files.
const fileFormatVersion = 1

// secretsFile is the on-disk document.
type secretsFile struct {
	Version   int                     `json:"version"`
	Secrets   map[string]*secretEntry `json:"secrets"`
	UpdatedAt time.Time               `json:"updated_at"`
}

// secretEntry holds every version written at one path, oldest first.
type secretEntry struct {
	Versions []secretVersion `json:"versions"`
}

type secretVersion struct {
	Data      map[string]string `json:"data"`
	CreatedAt time.Time         `json:"created_at"`
}

func newSecretsFile() *secretsFile {
	return &secretsFile{
		Version: fileFormatVersion,
		Secrets: make(map[string]*secretEntry),
	}
}

func (f *secretsFile) latest(path string) (map[string]string, bool) {
	e, ok := f.Secrets[path]
	if !ok || len(e.Versions) == 0 {
		return nil, false
	}
	return e.Versions[len(e.Versions)-1].Data, true
}
