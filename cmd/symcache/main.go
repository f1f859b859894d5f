// Program symcache runs the shared cache subsystem as a standalone command,
// for local exercising and ops diagnostics: store and fetch entries by hand,
// exercise an S3 remote source download, or serve the facade's expvar
// metrics over HTTP.
package main

import (
	"log"
	"os"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
)

func main() {
	log.SetFlags(log.Ltime | log.Lmicroseconds)
	root := &command.C{
		Name:  command.ProgramName(),
		Usage: "--cache-dir d | --bucket b [options]\nhelp",
		Help: `Exercise the shared cache subsystem from the command line.

Exactly one backend must be configured: either --cache-dir for a
filesystem-backed cache, or --bucket (with --sa-file or --metadata) for a
GCS-backed one.`,

		SetFlags: command.Flags(flax.MustBind, &flags),

		Commands: []*command.C{
			{
				Name:  "store",
				Usage: "<cache-name> <key> <path>",
				Help:  `Store the contents of <path> under <cache-name>/<key> and wait for it to complete.`,
				Run:   command.Adapt(runStore),
			},
			{
				Name:  "fetch",
				Usage: "<cache-name> <key>",
				Help:  `Fetch <cache-name>/<key> and write its contents to stdout.`,
				Run:   command.Adapt(runFetch),
			},
			{
				Name:  "download",
				Usage: "<bucket> <prefix> <debug-id> <file-type> <dest>",
				Help:  `Download a single object from an S3 remote source for a given debug ID.`,
				Run:   command.Adapt(runDownload),
			},
			{
				Name:     "serve",
				Usage:    "--http <addr>",
				Help:     `Serve the shared cache's expvar metrics over HTTP, idle otherwise.`,
				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      command.Adapt(runServe),
			},
			command.HelpCommand(helpTopics),
			command.VersionCommand(),
		},
	}
	command.RunOrFail(root.NewEnv(nil), os.Args[1:])
}

// vprintf acts as log.Printf if the -v flag is set; otherwise it
// discards its input.
func vprintf(msg string, args ...any) {
	if flags.Verbose {
		log.Printf(msg, args...)
	}
}
