// Package ingest feeds the staging layer from incoming extract files.
// Filenames carry the business date as DDMMYYYY; files are grouped into one
// batch per date and batches are processed in ascending date order.
package ingest

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"
)

var dateInName = regexp.MustCompile(`(\d{2})(\d{2})(\d{4})`)

type File struct {
	Entity string
	Path   string
}

type Batch struct {
	Date  time.Time
	Files []File
}

// DateFromFilename extracts the embedded DDMMYYYY date.
func DateFromFilename(name string) (time.Time, error) {
	match := dateInName.FindStringSubmatch(name)
	if match == nil {
		return time.Time{}, fmt.Errorf("no DDMMYYYY date found in %q", name)
	}

	date, err := time.Parse("02012006", match[1]+match[2]+match[3])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date in %q: %w", name, err)
	}

	return date, nil
}

// DiscoverBatches scans dataDir for files matching the per-entity filename
// patterns and groups them by their embedded date, ascending.
func DiscoverBatches(dataDir string, patterns map[string]string) ([]Batch, error) {
	compiled := make(map[string]*regexp.Regexp, len(patterns))
	entities := make([]string, 0, len(patterns))
	for entity, pattern := range patterns {
		regex, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid filename pattern for %q: %w", entity, err)
		}
		compiled[entity] = regex
		entities = append(entities, entity)
	}
	// A file matching several patterns is claimed by the first entity in name
	// order, identically on every run.
	sort.Strings(entities)

	byDate := make(map[time.Time][]File)
	err := filepath.WalkDir(dataDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return err
		}

		for _, entity := range entities {
			if !compiled[entity].MatchString(entry.Name()) {
				continue
			}

			date, err := DateFromFilename(entry.Name())
			if err != nil {
				return err
			}

			byDate[date] = append(byDate[date], File{Entity: entity, Path: path})
			break
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	batches := make([]Batch, 0, len(byDate))
	for date, files := range byDate {
		sort.Slice(files, func(i, j int) bool { return files[i].Entity < files[j].Entity })
		batches = append(batches, Batch{Date: date, Files: files})
	}
	sort.Slice(batches, func(i, j int) bool { return batches[i].Date.Before(batches[j].Date) })

	return batches, nil
}

// Archive moves every processed file into archiveDir with a .backup suffix.
func Archive(archiveDir string, batches []Batch) error {
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}

	for _, batch := range batches {
		for _, file := range batch.Files {
			destination := filepath.Join(archiveDir, filepath.Base(file.Path)+".backup")
			if err := os.Rename(file.Path, destination); err != nil {
				return fmt.Errorf("failed to archive %q: %w", file.Path, err)
			}
		}
	}

	return nil
}
