package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/astromechza/potsync/pkg/checkpoint"
	"github.com/astromechza/potsync/pkg/logging"
	"github.com/astromechza/potsync/pkg/potdoc"
	"github.com/astromechza/potsync/pkg/viz"
)

// zstdMagic prefixes checkpoint snapshots as written by potsync save.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

func main() {
	logging.Setup()
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	svgVar := flag.Bool("svg", false, "render the change graph to an svg in the temp dir instead of printing dot")
	flag.Parse()
	if flag.NArg() != 1 {
		return fmt.Errorf("expected one position argument: the file to read")
	}
	f, err := os.Open(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to open input file: %w", err)
	}
	defer f.Close()
	buff, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("failed to read input file: %w", err)
	}
	if bytes.HasPrefix(buff, zstdMagic) {
		if buff, err = checkpoint.Decompress(buff); err != nil {
			return err
		}
	}
	doc, err := potdoc.Load(buff, potdoc.NewActorID())
	if err != nil {
		return fmt.Errorf("failed to load doc: %w", err)
	}
	buff = nil

	contents, _ := json.Marshal(doc.ToPlain())
	slog.Info("loaded doc", "contents", string(contents))
	slog.Info("loaded heads", "heads", doc.Heads())

	slog.Info("changes:")
	changes, err := potdoc.ExtractChanges(doc)
	if err != nil {
		return err
	}
	for i, change := range changes {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", change.Hash, "actor", change.Actor, "msg", change.Message, "dep", change.Deps)
	}

	if *svgVar {
		svgPath, err := viz.RenderToTemp(doc)
		if err != nil {
			return fmt.Errorf("failed to render: %w", err)
		}
		slog.Info("rendered", "path", "file://"+svgPath)
		return nil
	}
	return viz.Dot(doc, os.Stdout)
}
