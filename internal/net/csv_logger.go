package net

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"
)

// CSVLogger logs per-epoch metrics to a CSV file.
type CSVLogger struct {
	BaseCallback
	Filename string
	Append   bool

	file   *os.File
	writer *csv.Writer
	start  time.Time
}

// NewCSVLogger creates a new CSVLogger.
func NewCSVLogger(filename string, append bool) *CSVLogger {
	return &CSVLogger{
		Filename: filename,
		Append:   append,
	}
}

func (c *CSVLogger) OnTrainBegin(n *Network) error {
	mode := os.O_CREATE | os.O_WRONLY
	if c.Append {
		mode |= os.O_APPEND
	} else {
		mode |= os.O_TRUNC
	}

	file, err := os.OpenFile(c.Filename, mode, 0644)
	if err != nil {
		return fmt.Errorf("csv logger: %w", err)
	}
	c.file = file
	c.writer = csv.NewWriter(file)
	c.start = time.Now()

	// Write header if not appending or if file is empty
	info, err := file.Stat()
	if err == nil && (info.Size() == 0 || !c.Append) {
		if err := c.writer.Write([]string{"epoch", "loss", "error", "test_error", "time_seconds"}); err != nil {
			return fmt.Errorf("csv logger: %w", err)
		}
		c.writer.Flush()
	}
	return c.writer.Error()
}

func (c *CSVLogger) OnEpochEnd(epoch int, m Metrics, n *Network) error {
	if c.writer == nil {
		return nil
	}

	record := []string{
		strconv.Itoa(epoch),
		strconv.FormatFloat(m.Loss, 'f', 6, 64),
		strconv.FormatFloat(m.Error, 'f', 6, 64),
		strconv.FormatFloat(m.TestError, 'f', 6, 64),
		fmt.Sprintf("%.2f", time.Since(c.start).Seconds()),
	}

	if err := c.writer.Write(record); err != nil {
		return fmt.Errorf("csv logger: %w", err)
	}
	c.writer.Flush()
	return c.writer.Error()
}

func (c *CSVLogger) OnTrainEnd(n *Network) error {
	if c.file == nil {
		return nil
	}
	c.writer.Flush()
	err := c.writer.Error()
	if cerr := c.file.Close(); err == nil {
		err = cerr
	}
	c.file = nil
	c.writer = nil
	return err
}
