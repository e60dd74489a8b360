package decoders

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/goccy/go-json"
	"github.com/parquet-go/parquet-go"

	"github.com/aws-samples/siem-on-amazon-opensearch-service-sub000/config"
)

func init() {
	Factory.register("parquet", NewParquetDecoder)
}

// ParquetDecoder loads the whole object as a columnar table and exposes
// per-row map views. An unreadable file degrades to zero records with a
// warning rather than failing the object.
type ParquetDecoder struct {
	logType string
	tracker *ErrorTracker
}

func NewParquetDecoder(lc *config.LogConfig, tracker *ErrorTracker) (Decoder, error) {
	return &ParquetDecoder{logType: lc.LogType, tracker: tracker}, nil
}

func (d *ParquetDecoder) Identifier() string { return "parquet" }

func (d *ParquetDecoder) Count(ctx context.Context, r io.Reader) (int, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	pf, err := parquet.OpenFile(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		slog.Warn("unreadable parquet object, reporting zero records",
			"log_type", d.logType, "error", err)
		return 0, nil
	}
	return int(pf.NumRows()), nil
}

func (d *ParquetDecoder) Extract(ctx context.Context, r io.Reader, start, end int) <-chan *Record {
	out := make(chan *Record)
	go func() {
		defer close(out)
		body, err := io.ReadAll(r)
		if err != nil {
			send(ctx, out, &Record{LogIndex: start, Err: err})
			return
		}
		pf, err := parquet.OpenFile(bytes.NewReader(body), int64(len(body)))
		if err != nil {
			slog.Warn("unreadable parquet object, reporting zero records",
				"log_type", d.logType, "error", err)
			return
		}

		reader := parquet.NewReader(pf)
		defer reader.Close()

		index := 0
		for {
			if ctx.Err() != nil {
				return
			}
			row := make(map[string]any)
			err := reader.Read(&row)
			if errors.Is(err, io.EOF) {
				return
			}
			index++
			if index < start {
				continue
			}
			if index > end {
				return
			}

			rec := &Record{LogIndex: index}
			if err != nil {
				rec.Err = err
				d.tracker.Observe(d.logType, "", err)
			} else {
				rec.Fields = row
				if raw, err := json.Marshal(row); err == nil {
					rec.Raw = string(raw)
				}
			}
			if !send(ctx, out, rec) {
				return
			}
		}
	}()
	return out
}
