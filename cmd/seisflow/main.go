// Command seisflow stores, serves and monitors seismic waveform streams.
package main

import "seisflow/internal/cli"

func main() {
	cli.Execute()
}
