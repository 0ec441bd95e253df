/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package remotedebug

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-logr/logr"

	"github.com/microsoft/builddbg/pkg/resiliency"
)

// eventReader reads event lines from the inbound connection.
type eventReader struct {
	reader *bufio.Reader
	log    logr.Logger
}

func newEventReader(r io.Reader, log logr.Logger) *eventReader {
	return &eventReader{reader: bufio.NewReader(r), log: log}
}

// readLine returns the next line without its terminator.
// A final line that is not newline-terminated is still returned; io.EOF is returned after it.
func (er *eventReader) readLine() (string, error) {
	line, readErr := er.reader.ReadString('\n')
	if readErr != nil {
		if errors.Is(readErr, io.EOF) && line != "" {
			return strings.TrimRight(line, "\r"), nil
		}
		return "", readErr
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readEvents is the reader loop. It reads one line at a time and hands it to dispatch,
// which must process the line fully before the next one is read.
// The loop ends when the stream ends, a read fails, or dispatch panics.
func (er *eventReader) readEvents(ctx context.Context, dispatch func(ctx context.Context, line string)) (err error) {
	defer func() {
		if panicErr := resiliency.MakePanicError(recover(), er.log); panicErr != nil {
			err = panicErr
		}
	}()

	for {
		line, readErr := er.readLine()
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read event line: %w", readErr)
		}
		dispatch(ctx, line)
	}
}
