// Package migrations embeds the SQL schema so binaries and test harnesses apply
// the same files without locating them on disk.
package migrations

import (
	"embed"
	"io/fs"
	"sort"
	"strings"
)

//go:embed *.sql
var files embed.FS

// Files returns the migration file names in apply order.
func Files() ([]string, error) {
	entries, err := fs.ReadDir(files, ".")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Read returns the contents of one migration file.
func Read(name string) (string, error) {
	b, err := files.ReadFile(name)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// All concatenates every migration in apply order.
func All() (string, error) {
	names, err := Files()
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, n := range names {
		body, err := Read(n)
		if err != nil {
			return "", err
		}
		sb.WriteString(body)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}
