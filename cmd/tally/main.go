/*
main.go - tally command entry point

COMMANDS:

	serve      run the sync engine and local HTTP API until interrupted
	add        add an entity locally and queue an insert
	update     merge fields into an entity and queue an update
	delete     delete an entity locally and queue a delete
	list       list the owner's local (or --remote) entities
	queue      list queued mutation records
	stats      count records per status
	sync       run one drain cycle
	prune      delete old synced records
	scenario   run YAML scenarios against an in-memory session

EXIT CODES:

	0  success
	1  operation failed (rejected write, failed scenario)
	2  command error (bad arguments, unusable config or database)

EXAMPLES:

	tally serve --db ./tally.db --owner user-1
	tally add banks '{"name":"Checking","currency":"EUR"}' --owner user-1
	tally sync --config tally.yaml --format json
*/
package main

import (
	"os"

	"github.com/roach88/tally/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
