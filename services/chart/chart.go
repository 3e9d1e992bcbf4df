// Copyright (C) 2025 OneBit Support (dev@onebit.support)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package chart renders tabular query results into PNG artifacts.
//
// The core never owns artifact lifecycle: it requests a render and gets a
// reference back. A sweeper reclaims expired files on an interval. Render
// failures surface as RenderError, which the pipeline degrades to a
// text-only reply.
package chart

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	gochart "github.com/wcharczuk/go-chart/v2"

	"github.com/onebit-support/askbot/services/bot/boterr"
)

// Row is one labeled data point, typically a status and its issue count.
type Row struct {
	Label string
	Value float64
}

// Artifact references a rendered chart file.
type Artifact struct {
	Path      string
	URL       string
	CreatedAt time.Time
}

// Renderer is the chart adapter contract consumed by the pipeline.
type Renderer interface {
	// Render produces a chart from rows. hint selects the chart kind
	// ("bar" or "pie"); unknown hints fall back to bar.
	Render(rows []Row, hint string) (Artifact, error)
}

// FileRenderer writes PNG charts into a directory served over HTTP.
type FileRenderer struct {
	dir       string
	urlPrefix string
}

// NewFileRenderer ensures dir exists and returns a renderer whose
// artifact URLs start with urlPrefix.
func NewFileRenderer(dir, urlPrefix string) (*FileRenderer, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("chart: create directory %s: %w", dir, err)
	}
	if !strings.HasSuffix(urlPrefix, "/") {
		urlPrefix += "/"
	}
	return &FileRenderer{dir: dir, urlPrefix: urlPrefix}, nil
}

// Render implements Renderer.
func (r *FileRenderer) Render(rows []Row, hint string) (Artifact, error) {
	if len(rows) == 0 {
		return Artifact{}, boterr.New(boterr.KindRender, "no rows to chart")
	}

	name := uuid.New().String() + ".png"
	path := filepath.Join(r.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return Artifact{}, boterr.Wrap(boterr.KindRender, "create chart file", err)
	}
	defer f.Close()

	switch strings.ToLower(hint) {
	case "pie":
		err = r.renderPie(rows, f)
	default:
		err = r.renderBar(rows, f)
	}
	if err != nil {
		_ = os.Remove(path)
		return Artifact{}, boterr.Wrap(boterr.KindRender, "render chart", err)
	}

	return Artifact{
		Path:      path,
		URL:       r.urlPrefix + name,
		CreatedAt: time.Now(),
	}, nil
}

func (r *FileRenderer) renderBar(rows []Row, f *os.File) error {
	bars := make([]gochart.Value, 0, len(rows))
	for _, row := range rows {
		bars = append(bars, gochart.Value{Label: row.Label, Value: row.Value})
	}
	graph := gochart.BarChart{
		Height:   512,
		BarWidth: 60,
		Bars:     bars,
	}
	return graph.Render(gochart.PNG, f)
}

func (r *FileRenderer) renderPie(rows []Row, f *os.File) error {
	values := make([]gochart.Value, 0, len(rows))
	for _, row := range rows {
		values = append(values, gochart.Value{Label: row.Label, Value: row.Value})
	}
	graph := gochart.PieChart{
		Width:  512,
		Height: 512,
		Values: values,
	}
	return graph.Render(gochart.PNG, f)
}

// Sweep removes chart files older than ttl. Returns the number reclaimed.
func (r *FileRenderer) Sweep(ttl time.Duration) int {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		slog.Warn("Chart sweep failed to read directory", "dir", r.dir, "error", err)
		return 0
	}
	cutoff := time.Now().Add(-ttl)
	reclaimed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".png") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(r.dir, entry.Name())); err == nil {
			reclaimed++
		}
	}
	return reclaimed
}

// RunSweeper sweeps on the given interval until stop closes.
func (r *FileRenderer) RunSweeper(ttl, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if n := r.Sweep(ttl); n > 0 {
				slog.Debug("Reclaimed expired chart artifacts", "count", n)
			}
		}
	}
}
