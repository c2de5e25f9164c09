package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tinyrange/irq/internal/timeslice"
)

type timesliceRecord struct {
	ID    string
	Flags timeslice.SliceFlags
	Count int
	Sum   time.Duration
	Min   time.Duration
	Max   time.Duration
}

func (r *timesliceRecord) String() string {
	return fmt.Sprintf("% 32s flags=% 8s count=% 8d sum=% 14s min=% 12s max=% 12s avg=% 12s",
		r.ID, r.Flags, r.Count,
		r.Sum,
		r.Min,
		r.Max,
		r.Sum/time.Duration(r.Count),
	)
}

func (r *timesliceRecord) Add(duration time.Duration) {
	r.Count++
	r.Sum += duration
	if r.Min == 0 || duration < r.Min {
		r.Min = duration
	}
	if r.Max == 0 || duration > r.Max {
		r.Max = duration
	}
}

// summarize folds a recording into one record per kind, in first-seen order.
func summarize(r io.Reader) ([]*timesliceRecord, error) {
	records := map[string]*timesliceRecord{}
	var order []*timesliceRecord
	if err := timeslice.ReadAllRecords(r, func(id string, flags timeslice.SliceFlags, duration time.Duration) error {
		record, ok := records[id]
		if !ok {
			record = &timesliceRecord{ID: id, Flags: flags}
			records[id] = record
			order = append(order, record)
		}
		record.Add(duration)
		return nil
	}); err != nil {
		return nil, err
	}
	return order, nil
}

func report(w io.Writer, args []string) error {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)

	filename := fs.String("filename", "", "Timeslice file to read")
	sums := fs.Bool("sums", false, "Print per-kind sums instead of every record")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *filename == "" {
		fs.Usage()
		return fmt.Errorf("-filename is required")
	}

	f, err := os.Open(*filename)
	if err != nil {
		return fmt.Errorf("open timeslice file: %w", err)
	}
	defer f.Close()

	if *sums {
		records, err := summarize(f)
		if err != nil {
			return fmt.Errorf("read timeslice file: %w", err)
		}
		for _, record := range records {
			fmt.Fprintf(w, "%s\n", record)
		}
		return nil
	}

	if err := timeslice.ReadAllRecords(f, func(id string, flags timeslice.SliceFlags, duration time.Duration) error {
		fmt.Fprintf(w, "%s %s %s\n", id, flags, duration)
		return nil
	}); err != nil {
		return fmt.Errorf("read timeslice file: %w", err)
	}
	return nil
}
