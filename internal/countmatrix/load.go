package countmatrix

import (
	"bufio"
	"compress/gzip"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"cellqc/internal/services"
)

// Format names accepted by Load.
const (
	Format10x   = "10x"
	FormatDense = "dense"
)

// Load reads a count matrix from path. An empty format selects 10x for
// directories and dense for regular files.
func Load(path, format string) (*Matrix, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat count matrix: %w", err)
	}
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		if info.IsDir() {
			format = Format10x
		} else {
			format = FormatDense
		}
	}
	switch format {
	case Format10x:
		if !info.IsDir() {
			return nil, fmt.Errorf("%w: 10x matrix path %s is not a directory", services.ErrConfiguration, path)
		}
		return load10x(path)
	case FormatDense:
		return loadDense(path)
	default:
		return nil, fmt.Errorf("%w: unsupported matrix format %q", services.ErrConfiguration, format)
	}
}

func load10x(dir string) (*Matrix, error) {
	matrixPath, err := firstExisting(dir, "matrix.mtx.gz", "matrix.mtx")
	if err != nil {
		return nil, err
	}
	featuresPath, err := firstExisting(dir, "features.tsv.gz", "features.tsv", "genes.tsv.gz", "genes.tsv")
	if err != nil {
		return nil, err
	}
	barcodesPath, err := firstExisting(dir, "barcodes.tsv.gz", "barcodes.tsv")
	if err != nil {
		return nil, err
	}

	features, err := readFeatureNames(featuresPath)
	if err != nil {
		return nil, err
	}
	cells, err := readLines(barcodesPath)
	if err != nil {
		return nil, err
	}
	entries, err := readMatrixMarket(matrixPath, len(features), len(cells))
	if err != nil {
		return nil, err
	}
	return FromEntries(features, cells, entries)
}

func firstExisting(dir string, names ...string) (string, error) {
	for _, name := range names {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("stat %s: %w", candidate, err)
		}
	}
	return "", fmt.Errorf("%w: none of %s found in %s", services.ErrConfiguration, strings.Join(names, ", "), dir)
}

// OpenReader opens path and transparently decompresses .gz files.
func OpenReader(path string) (io.ReadCloser, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if !strings.HasSuffix(strings.ToLower(path), ".gz") {
		return file, nil
	}
	gz, err := gzip.NewReader(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("gzip reader for %s: %w", path, err)
	}
	return &gzipReadCloser{Reader: gz, file: file}, nil
}

type gzipReadCloser struct {
	*gzip.Reader
	file *os.File
}

func (g *gzipReadCloser) Close() error {
	gzErr := g.Reader.Close()
	fileErr := g.file.Close()
	if gzErr != nil {
		return gzErr
	}
	return fileErr
}

func readLines(path string) ([]string, error) {
	rc, err := OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var lines []string
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		// barcodes.tsv may carry extra columns in some pipelines
		if tab := strings.IndexByte(line, '\t'); tab >= 0 {
			line = line[:tab]
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return lines, nil
}

// readFeatureNames prefers the symbol column (second field) when present,
// falling back to the feature ID.
func readFeatureNames(path string) ([]string, error) {
	rc, err := OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var names []string
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		name := strings.TrimSpace(fields[0])
		if len(fields) > 1 && strings.TrimSpace(fields[1]) != "" {
			name = strings.TrimSpace(fields[1])
		}
		names = append(names, name)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return names, nil
}

func readMatrixMarket(path string, numFeatures, numCells int) ([]Entry, error) {
	rc, err := OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var (
		entries    []Entry
		headerSeen bool
		declared   int
		lineNo     int
	)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "%") {
			if lineNo == 1 && !strings.HasPrefix(line, "%%MatrixMarket") {
				return nil, fmt.Errorf("%w: %s is not a MatrixMarket file", services.ErrValidation, path)
			}
			continue
		}
		fields := strings.Fields(line)
		if !headerSeen {
			if len(fields) != 3 {
				return nil, fmt.Errorf("%w: %s: malformed size line %q", services.ErrValidation, path, line)
			}
			rows, err1 := strconv.Atoi(fields[0])
			cols, err2 := strconv.Atoi(fields[1])
			nnz, err3 := strconv.Atoi(fields[2])
			if err := errors.Join(err1, err2, err3); err != nil {
				return nil, fmt.Errorf("%w: %s: size line: %w", services.ErrValidation, path, err)
			}
			if rows != numFeatures || cols != numCells {
				return nil, fmt.Errorf("%w: matrix is %dx%d but found %d features and %d barcodes",
					services.ErrShapeMismatch, rows, cols, numFeatures, numCells)
			}
			declared = nnz
			entries = make([]Entry, 0, nnz)
			headerSeen = true
			continue
		}
		if len(fields) < 3 {
			return nil, fmt.Errorf("%w: %s line %d: expected 3 fields", services.ErrValidation, path, lineNo)
		}
		row, err1 := strconv.Atoi(fields[0])
		col, err2 := strconv.Atoi(fields[1])
		val, err3 := strconv.ParseFloat(fields[2], 64)
		if err := errors.Join(err1, err2, err3); err != nil {
			return nil, fmt.Errorf("%w: %s line %d: %w", services.ErrValidation, path, lineNo, err)
		}
		entries = append(entries, Entry{Feature: row - 1, Cell: col - 1, Count: val})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if !headerSeen {
		return nil, fmt.Errorf("%w: %s has no size line", services.ErrEmptyMatrix, path)
	}
	if len(entries) != declared {
		return nil, fmt.Errorf("%w: %s declares %d entries, found %d", services.ErrShapeMismatch, path, declared, len(entries))
	}
	return entries, nil
}

func loadDense(path string) (*Matrix, error) {
	rc, err := OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	reader := csv.NewReader(bufio.NewReader(rc))
	reader.Comma = delimiterFor(path)
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: read header of %s: %w", services.ErrEmptyMatrix, path, err)
	}
	if len(header) < 2 {
		return nil, fmt.Errorf("%w: %s header has no cell columns", services.ErrEmptyMatrix, path)
	}
	cells := make([]string, len(header)-1)
	for i, h := range header[1:] {
		cells[i] = strings.TrimSpace(h)
	}

	var (
		features []string
		entries  []Entry
	)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		if len(record) != len(header) {
			return nil, fmt.Errorf("%w: %s row %d has %d fields, header has %d",
				services.ErrShapeMismatch, path, len(features)+2, len(record), len(header))
		}
		f := len(features)
		features = append(features, strings.TrimSpace(record[0]))
		for c, raw := range record[1:] {
			raw = strings.TrimSpace(raw)
			if raw == "" || raw == "0" {
				continue
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %s feature %q cell %q: %w", services.ErrValidation, path, features[f], cells[c], err)
			}
			entries = append(entries, Entry{Feature: f, Cell: c, Count: v})
		}
	}
	return FromEntries(features, cells, entries)
}

func delimiterFor(path string) rune {
	lower := strings.TrimSuffix(strings.ToLower(path), ".gz")
	if strings.HasSuffix(lower, ".csv") {
		return ','
	}
	return '\t'
}
