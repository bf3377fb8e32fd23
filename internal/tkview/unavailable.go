//go:build !tk

package tkview

import (
	"context"

	"github.com/thiagokokada/qlog-go/internal/eventloop"
	"github.com/thiagokokada/qlog-go/internal/logview"
	"github.com/thiagokokada/qlog-go/internal/palette"
)

const Available = false

func Show(context.Context, *eventloop.Loop, *logview.Model, *Rows, *palette.Palette, string) error {
	return ErrUnavailable
}
