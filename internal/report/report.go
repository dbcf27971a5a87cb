// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Package report renders the HTML summary and Prometheus-style metrics
// file for a completed verification run, diffing any newly
// unreproducible outputs along the way.
package report

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/grahamc/r13y/internal/cas"
	"github.com/grahamc/r13y/internal/derivation"
	"github.com/grahamc/r13y/internal/diffoscope"
	"github.com/grahamc/r13y/internal/eval"
	"github.com/grahamc/r13y/internal/messages"
)

//go:embed report.html
var indexTemplateSource string

var indexTemplate = template.Must(template.New("index").Parse(indexTemplateSource))

// UnevaluatedError reports that the result log still contains
// derivations that never got past their first build. The original
// service treated this as fatal: a report is only meaningful once
// every requested derivation has a final verdict.
type UnevaluatedError struct {
	FirstFailed []string
}

func (e *UnevaluatedError) Error() string {
	return fmt.Sprintf("%d derivations never passed their first build, so no report can be rendered", len(e.FirstFailed))
}

// Report renders the HTML index and metrics file for one revision's
// result log into a report directory.
type Report struct {
	// WorkDir is the verifier's working directory: it contains tmp/
	// (home to the evaluator's GC root and the CAS the verifier
	// captured divergent NARs into) and the durable result log.
	WorkDir string
	// OutDir is the directory the index, metrics file, and diff
	// sub-store are written under.
	OutDir string
}

// clockNow is a variable so tests can pin the "Generated at" timestamp.
var clockNow = time.Now

// Render re-evaluates req (to recompute the current to_build set, the
// same way the original service's standalone report pass always did)
// and writes OutDir/index.html and OutDir/metrics from the result log.
func (r *Report) Render(ctx context.Context, req messages.BuildRequest) error {
	job, err := eval.Evaluate(ctx, r.WorkDir, req)
	if err != nil {
		return fmt.Errorf("report: %w", err)
	}
	allResults, err := eval.LoadLog(r.WorkDir, req.NixpkgsRevision)
	if err != nil {
		return fmt.Errorf("report: %w", err)
	}

	diffDir := filepath.Join(r.OutDir, "diff")
	if err := os.MkdirAll(diffDir, 0o777); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	readCAS := cas.New(filepath.Join(r.WorkDir, "tmp"))
	writeCAS := cas.New(filepath.Join(r.OutDir, "cas"))
	diff := diffoscope.New(writeCAS)

	var (
		total, reproducible, unchecked int
		unreproducibleList             bytes.Buffer
		uncheckedList                  bytes.Buffer
		firstFailed                    []string
	)

	for _, resp := range allResults {
		if resp.Request.NixpkgsRevision != req.NixpkgsRevision {
			continue
		}
		if !job.ToBuild.Has(resp.Drv) {
			continue
		}
		total++

		switch resp.Status.Kind {
		case messages.Reproducible:
			reproducible++
		case messages.FirstFailed:
			firstFailed = append(firstFailed, resp.Drv)
		case messages.SecondFailed:
			unchecked++
			fmt.Fprintf(&uncheckedList, "<li><code>%s</code></li>\n", resp.Drv)
		case messages.Unreproducible:
			if err := renderUnreproducible(ctx, readCAS, writeCAS, diff, diffDir, resp, &unreproducibleList); err != nil {
				return fmt.Errorf("report: %w", err)
			}
		}
	}

	if len(firstFailed) > 0 {
		return &UnevaluatedError{FirstFailed: firstFailed}
	}

	percent := 0.0
	if total > 0 {
		percent = 100 * float64(reproducible) / float64(total)
	}

	if err := os.MkdirAll(r.OutDir, 0o777); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	if err := writeIndex(r.OutDir, indexData{
		Revision:           req.NixpkgsRevision,
		Now:                clockNow().UTC().Format(time.RFC3339),
		Total:              total,
		Reproducible:       reproducible,
		Unchecked:          unchecked,
		Percent:            fmt.Sprintf("%.2f%%", percent),
		UnreproducibleList: template.HTML(unreproducibleList.String()),
		UncheckedList:      template.HTML(uncheckedList.String()),
	}); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	if err := writeMetrics(r.OutDir, req.NixpkgsRevision, clockNow(), total, reproducible, unchecked); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	return nil
}

// renderUnreproducible writes the <li> entry for one unreproducible
// derivation, diffing any output whose pair hasn't been diffed by a
// prior report run yet (the diff cache is keyed by the pair of CAS
// hashes, so it is stable across runs).
func renderUnreproducible(ctx context.Context, readCAS, writeCAS *cas.Store, diff *diffoscope.Diffoscope, diffDir string, resp messages.BuildResponse, out *bytes.Buffer) error {
	outputs, err := parseDerivationOutputs(ctx, resp.Drv)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "<li><code>%s</code><ul>\n", resp.Drv)
	for output, pair := range resp.Status.Hashes {
		outputPath, ok := outputs[output]
		if !ok {
			continue
		}
		destName := fmt.Sprintf("%s-%s.html", pair.Declared, pair.Check)
		dest := filepath.Join(diffDir, destName)

		if _, err := os.Stat(dest); os.IsNotExist(err) {
			if _, ok := readCAS.Lookup(cas.ID(pair.Declared)); !ok {
				return fmt.Errorf("diff %s output %s: declared NAR %s missing from store", resp.Drv, output, pair.Declared)
			}
			resultID, err := diff.Nars(ctx, filepath.Base(outputPath), cas.ID(pair.Declared), cas.ID(pair.Check))
			if err != nil {
				return fmt.Errorf("diff %s output %s: %w", resp.Drv, output, err)
			}
			resultPath, ok := writeCAS.Lookup(resultID)
			if !ok {
				return fmt.Errorf("diff %s output %s: rendered diff %s vanished from store", resp.Drv, output, resultID)
			}
			if err := copyFile(resultPath, dest); err != nil {
				return fmt.Errorf("diff %s output %s: %w", resp.Drv, output, err)
			}
		}
		fmt.Fprintf(out, "<li><a href=\"./diff/%s\">(diffoscope)</a> %s</li>\n", destName, output)
	}
	fmt.Fprintf(out, "</ul></li>\n")
	return nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

type indexData struct {
	Revision           string
	Now                string
	Total              int
	Reproducible       int
	Unchecked          int
	Percent            string
	UnreproducibleList template.HTML
	UncheckedList      template.HTML
}

func writeIndex(outDir string, data indexData) error {
	f, err := os.Create(filepath.Join(outDir, "index.html"))
	if err != nil {
		return err
	}
	defer f.Close()
	return indexTemplate.Execute(f, data)
}

func writeMetrics(outDir, revision string, now time.Time, total, reproducible, unchecked int) error {
	f, err := os.Create(filepath.Join(outDir, "metrics"))
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, `# HELP r13y_check_revision Check's nixpkgs revision
# TYPE r13y_check_revision counter
r13y_check_revision{revision=%q} 1
# HELP r13y_check_time_seconds Time of the latest check
# TYPE r13y_check_time_seconds counter
r13y_check_time_seconds %d
# HELP r13y_paths_checked Number of paths checked in the latest check
# TYPE r13y_paths_checked gauge
r13y_paths_count %d
# HELP r13y_path_status_counts Number of paths in each status
# TYPE r13y_path_status_counts gauge
r13y_path_status_count{status="reproducible"} %d
r13y_path_status_count{status="unreproducible"} %d
r13y_path_status_count{status="unchecked"} %d
`, revision, now.Unix(), total, reproducible, total-reproducible, unchecked)
	return err
}

// parseDerivationOutputs resolves a derivation's output name to store
// path mapping. It is a variable so tests can substitute a fake
// without executing the real package manager.
var parseDerivationOutputs = func(ctx context.Context, drv string) (map[string]string, error) {
	d, err := derivation.Parse(ctx, drv)
	if err != nil {
		return nil, err
	}
	return d.Outputs(), nil
}
