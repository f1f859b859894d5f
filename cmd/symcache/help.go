package main

import "github.com/creachadair/command"

var helpTopics = []command.HelpTopic{
	{
		Name: "configure",
		Help: `How to configure the shared cache.

Exactly one backend must be selected: --cache-dir for a filesystem-backed
cache rooted at a local directory, or --bucket for a GCS-backed one. A GCS
backend additionally needs either --sa-file (a path to a service account
JSON key) or --metadata (ambient credential discovery via the local
metadata service).

See also "help environment".`,
	},
	{
		Name: "environment",
		Help: `Environment variables understood by this program.

   --------------------------------------------------------------------
   Flag               Variable                Format      Default
   --------------------------------------------------------------------
    --cache-dir       SYMCACHE_DIR            path        ""
    --bucket          SYMCACHE_BUCKET         string      ""
    --sa-file         SYMCACHE_SA_FILE        path        ""
    --metadata        SYMCACHE_METADATA       bool        false
    -c                SYMCACHE_CONCURRENCY    int         4
    -q                SYMCACHE_QUEUE_SIZE     int         64
    -v                SYMCACHE_VERBOSE        bool        false
    --http (serve)     SYMCACHE_HTTP          [host]:port ""

See also: "help configure".`,
	},
}
