// Scan input sources. Candidate tuples and host detail produced by
// external collectors arrive as JSON or plain-text files.
//
// Usage:
// src := newSource("candidates", input, jsonRecords)
// for raw, err := range src.Records() { ... }
package tea

import (
	"bytes"
	"encoding/json"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/pkg/errors"
)

type RecordsIterator iter.Seq2[[]byte, error]
type RecordsReader func(io.Reader) RecordsIterator

// A single input source providing an iterator over raw records
type Source struct {
	// name of the source
	Name string
	// some input
	input io.Reader
	// a function that takes a reader and returns an iterator
	handler RecordsReader
}

func newSource(name string, input io.Reader, handler RecordsReader) *Source {
	return &Source{name, input, handler}
}

func (s *Source) Records() RecordsIterator {
	return s.handler(s.input)
}

// jsonRecords yields one raw record per element of a top-level JSON
// array, or per value for concatenated/line-delimited JSON.
func jsonRecords(r io.Reader) RecordsIterator {
	return func(yield func([]byte, error) bool) {
		raw, err := io.ReadAll(r)
		if err != nil {
			yield(nil, errors.Wrap(err, "failed to read records"))
			return
		}

		trimmed := bytes.TrimLeftFunc(raw, unicode.IsSpace)
		if len(trimmed) == 0 {
			return
		}

		if trimmed[0] == '[' {
			var items []json.RawMessage
			if err := json.Unmarshal(trimmed, &items); err != nil {
				yield(nil, errors.Wrap(err, "malformed record array"))
				return
			}
			for _, item := range items {
				if !yield(item, nil) {
					return
				}
			}
			return
		}

		dec := json.NewDecoder(bytes.NewReader(trimmed))
		for {
			var item json.RawMessage
			if err := dec.Decode(&item); err == io.EOF {
				return
			} else if err != nil {
				yield(nil, errors.Wrap(err, "malformed record"))
				return
			}
			if !yield(item, nil) {
				return
			}
		}
	}
}

// lineRecords yields one raw record per non-empty line, comments dropped
func lineRecords(r io.Reader) RecordsIterator {
	return func(yield func([]byte, error) bool) {
		raw, err := io.ReadAll(r)
		if err != nil {
			yield(nil, errors.Wrap(err, "failed to read records"))
			return
		}

		for _, line := range bytes.Split(raw, []byte("\n")) {
			line = bytes.TrimSpace(line)
			if len(line) == 0 || line[0] == '#' {
				continue
			}
			if !yield(line, nil) {
				return
			}
		}
	}
}

// ReadObservations drains a source into candidate tuples. JSON records
// carry the full tuple; plain lines are "ip[,hostname[,domain]]".
func ReadObservations(src *Source) ([]Observation, error) {
	var observations []Observation
	for raw, err := range src.Records() {
		if err != nil {
			return nil, errors.Wrapf(err, "source %q", src.Name)
		}

		var obs Observation
		if len(raw) > 0 && raw[0] == '{' {
			if err := json.Unmarshal(raw, &obs); err != nil {
				return nil, errors.Wrapf(err, "source %q: malformed candidate", src.Name)
			}
		} else {
			fields := strings.Split(strings.Trim(string(raw), `"`), ",")
			obs.IP = strings.TrimSpace(fields[0])
			if len(fields) > 1 {
				obs.Hostname = strings.TrimSpace(fields[1])
			}
			if len(fields) > 2 {
				obs.Domain = strings.TrimSpace(fields[2])
			}
		}
		observations = append(observations, obs)
	}
	return observations, nil
}

// ObservationsFromFile loads candidates from a collector output file.
// JSON files may hold an array or line-delimited objects; anything else is
// treated as plain lines.
func ObservationsFromFile(path string) ([]Observation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open candidates")
	}
	defer f.Close()

	handler := lineRecords
	if strings.EqualFold(filepath.Ext(path), ".json") {
		handler = jsonRecords
	}
	return ReadObservations(newSource(filepath.Base(path), f, handler))
}

// ObservationsFromArgs builds candidates from command-line targets,
// one "ip[,hostname]" per argument.
func ObservationsFromArgs(args []string) []Observation {
	observations := make([]Observation, 0, len(args))
	for _, arg := range args {
		obs := Observation{IP: arg}
		if ip, hostname, ok := strings.Cut(arg, ","); ok {
			obs.IP, obs.Hostname = ip, hostname
		}
		observations = append(observations, obs)
	}
	return observations
}

// DetailsFromFile loads per-host detail: a JSON object keyed by IP
func DetailsFromFile(path string) (map[string]HostDetail, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read host detail")
	}

	details := make(map[string]HostDetail)
	if err := json.Unmarshal(raw, &details); err != nil {
		return nil, errors.Wrap(err, "malformed host detail")
	}
	return details, nil
}
