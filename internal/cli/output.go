package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// Output handles formatted output for the CLI.
type Output struct {
	writer   io.Writer
	jsonMode bool

	green  *color.Color
	red    *color.Color
	yellow *color.Color
	cyan   *color.Color
	bold   *color.Color
	dim    *color.Color
	banner *color.Color
}

// NewOutput creates an Output for cmd. Colors follow the terminal detection
// done by the color package and are always off in JSON mode.
func NewOutput(cmd *cobra.Command) *Output {
	jsonMode, _ := cmd.Flags().GetBool("json")
	return newOutput(cmd.OutOrStdout(), jsonMode, !jsonMode && !color.NoColor)
}

func newOutput(w io.Writer, jsonMode, colored bool) *Output {
	o := &Output{
		writer:   w,
		jsonMode: jsonMode,
		green:    color.New(color.FgGreen),
		red:      color.New(color.FgRed),
		yellow:   color.New(color.FgYellow),
		cyan:     color.New(color.FgCyan),
		bold:     color.New(color.Bold),
		dim:      color.New(color.Faint),
		banner:   color.New(color.BgRed, color.FgWhite, color.Bold),
	}
	for _, c := range []*color.Color{o.green, o.red, o.yellow, o.cyan, o.bold, o.dim, o.banner} {
		if colored {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return o
}

// IsJSON returns true if JSON output mode is enabled.
func (o *Output) IsJSON() bool {
	return o.jsonMode
}

// JSON outputs data as indented JSON.
func (o *Output) JSON(data interface{}) error {
	encoder := json.NewEncoder(o.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// Println prints a message with newline.
func (o *Output) Println(args ...interface{}) {
	fmt.Fprintln(o.writer, args...)
}

// Printf prints a formatted message.
func (o *Output) Printf(format string, args ...interface{}) {
	fmt.Fprintf(o.writer, format, args...)
}

// Success prints a success message in green.
func (o *Output) Success(format string, args ...interface{}) {
	o.line(o.green, format, args...)
}

// Error prints an error message in red.
func (o *Output) Error(format string, args ...interface{}) {
	o.line(o.red, format, args...)
}

// Warning prints a warning message in yellow.
func (o *Output) Warning(format string, args ...interface{}) {
	o.line(o.yellow, format, args...)
}

// Info prints an info message in cyan.
func (o *Output) Info(format string, args ...interface{}) {
	o.line(o.cyan, format, args...)
}

// Bold prints a bold message.
func (o *Output) Bold(format string, args ...interface{}) {
	o.line(o.bold, format, args...)
}

// Dim prints a dimmed message.
func (o *Output) Dim(format string, args ...interface{}) {
	o.line(o.dim, format, args...)
}

func (o *Output) line(c *color.Color, format string, args ...interface{}) {
	fmt.Fprintln(o.writer, c.Sprintf(format, args...))
}

// Green returns green text.
func (o *Output) Green(text string) string {
	return o.green.Sprint(text)
}

// Yellow returns yellow text.
func (o *Output) Yellow(text string) string {
	return o.yellow.Sprint(text)
}

// SimulatedBanner prints the warning shown whenever prices are not real.
func (o *Output) SimulatedBanner() {
	o.line(o.banner, " SIMULATED DATA: prices below are synthetic and not from the exchange ")
}
