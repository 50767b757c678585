// mqtool inspects a slotmq data directory offline.
//
// Usage:
//
//	mqtool [opts] journal             Dump journal.dat records
//	mqtool [opts] snapshot            Dump snapshot.dat summary
//	mqtool [opts] dlq                 List dead-lettered messages
//	mqtool [opts] verify              Verify journal and snapshot CRCs
//	mqtool [opts] browse              Interactive REPL
//
// Options:
//
//	-d, --dir      Queue data directory (default ".")
//	-n, --limit    Max records to print (default 0 = all)
//
// Commands (in REPL):
//
//	journal [limit]     Dump journal records
//	snapshot            Show snapshot summary
//	messages            List messages in the snapshot
//	dlq                 List dead letters in the snapshot
//	verify              Re-check both files
//	help                Show this help
//	exit / quit / q     Exit
//
// mqtool is read-only. It never mutates a live queue directory.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/pflag"

	"github.com/calvinalkan/slotmq"
)

func main() {
	dir := pflag.StringP("dir", "d", ".", "queue data directory")
	limit := pflag.IntP("limit", "n", 0, "max records to print (0 = all)")
	pflag.Parse()

	args := pflag.Args()
	if len(args) != 1 {
		pflag.Usage()
		os.Exit(2)
	}

	exitCode := run(*dir, args[0], *limit)
	os.Exit(exitCode)
}

func run(dir, command string, limit int) int {
	switch command {
	case "journal":
		return dumpJournal(dir, limit)
	case "snapshot":
		return dumpSnapshot(dir)
	case "dlq":
		return dumpDeadLetters(dir)
	case "verify":
		return verify(dir)
	case "browse":
		return browse(dir)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", command)

		return 2
	}
}

func journalPath(dir string) string  { return filepath.Join(dir, "journal.dat") }
func snapshotPath(dir string) string { return filepath.Join(dir, "snapshot.dat") }

func dumpJournal(dir string, limit int) int {
	entries, err := slotmq.InspectJournal(journalPath(dir))
	if err != nil && !errors.Is(err, slotmq.ErrCorrupt) {
		fmt.Fprintf(os.Stderr, "mqtool: %v\n", err)

		return 1
	}

	for i, entry := range entries {
		if limit > 0 && i >= limit {
			fmt.Printf("... %d more\n", len(entries)-limit)

			break
		}

		line := fmt.Sprintf("%8d  %-18s  %s", entry.Seq, entry.Op, entry.MessageID)

		if entry.MessageType != "" {
			line += "  type=" + entry.MessageType
		}

		if entry.Retry > 0 {
			line += fmt.Sprintf("  retry=%d", entry.Retry)
		}

		if !entry.Timestamp.IsZero() {
			line += "  " + entry.Timestamp.Format("2006-01-02T15:04:05.000Z07:00")
		}

		fmt.Println(line)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "mqtool: journal has a torn tail: %v\n", err)

		return 1
	}

	return 0
}

func dumpSnapshot(dir string) int {
	info, err := slotmq.InspectSnapshot(snapshotPath(dir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "mqtool: %v\n", err)

		return 1
	}

	fmt.Printf("version:       %d\n", info.Version)
	fmt.Printf("capacity:      %d\n", info.Capacity)
	fmt.Printf("messages:      %d\n", len(info.Messages))
	fmt.Printf("dedup keys:    %d\n", len(info.DedupKeys))
	fmt.Printf("dead letters:  %d\n", len(info.DeadLetters))

	byStatus := make(map[string]int)
	for _, msg := range info.Messages {
		byStatus[msg.Status.String()]++
	}

	for status, n := range byStatus {
		fmt.Printf("  %-12s %d\n", status, n)
	}

	return 0
}

func dumpDeadLetters(dir string) int {
	info, err := slotmq.InspectSnapshot(snapshotPath(dir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "mqtool: %v\n", err)

		return 1
	}

	for _, dead := range info.DeadLetters {
		fmt.Printf("%s  type=%s  retries=%d  failed=%s  reason=%q\n",
			dead.ID, dead.Type, dead.RetryCount,
			dead.FailedAt.Format("2006-01-02T15:04:05Z07:00"), dead.FailureReason)
	}

	fmt.Printf("total: %d\n", len(info.DeadLetters))

	return 0
}

func verify(dir string) int {
	failed := false

	_, err := slotmq.InspectJournal(journalPath(dir))

	switch {
	case err == nil:
		fmt.Println("journal.dat   ok")
	case errors.Is(err, os.ErrNotExist):
		fmt.Println("journal.dat   absent")
	case errors.Is(err, slotmq.ErrCorrupt):
		fmt.Printf("journal.dat   torn tail: %v\n", err)

		failed = true
	default:
		fmt.Printf("journal.dat   error: %v\n", err)

		failed = true
	}

	_, err = slotmq.InspectSnapshot(snapshotPath(dir))

	switch {
	case err == nil:
		fmt.Println("snapshot.dat  ok")
	case errors.Is(err, os.ErrNotExist):
		fmt.Println("snapshot.dat  absent")
	default:
		fmt.Printf("snapshot.dat  error: %v\n", err)

		failed = true
	}

	if failed {
		return 1
	}

	return 0
}

func browse(dir string) int {
	line := liner.NewLiner()
	defer func() { _ = line.Close() }()

	line.SetCtrlCAborts(true)

	fmt.Printf("browsing %s (read-only); type 'help' for commands\n", dir)

	for {
		input, err := line.Prompt("mqtool> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) {
				return 0
			}

			fmt.Fprintf(os.Stderr, "mqtool: %v\n", err)

			return 1
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		line.AppendHistory(input)

		fields := strings.Fields(input)

		switch fields[0] {
		case "exit", "quit", "q":
			return 0
		case "help":
			printReplHelp()
		case "journal":
			limit := 0

			if len(fields) > 1 {
				limit, err = strconv.Atoi(fields[1])
				if err != nil {
					fmt.Fprintf(os.Stderr, "bad limit %q\n", fields[1])

					continue
				}
			}

			dumpJournal(dir, limit)
		case "snapshot":
			dumpSnapshot(dir)
		case "messages":
			listMessages(dir)
		case "dlq":
			dumpDeadLetters(dir)
		case "verify":
			verify(dir)
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q; type 'help'\n", fields[0])
		}
	}
}

func listMessages(dir string) {
	info, err := slotmq.InspectSnapshot(snapshotPath(dir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "mqtool: %v\n", err)

		return
	}

	for _, msg := range info.Messages {
		line := fmt.Sprintf("%s  %-12s  type=%s  retries=%d", msg.ID, msg.Status, msg.Type, msg.RetryCount)

		if msg.DedupKey != "" {
			line += "  key=" + msg.DedupKey
		}

		fmt.Println(line)
	}

	fmt.Printf("total: %d\n", len(info.Messages))
}

func printReplHelp() {
	fmt.Println(`commands:
  journal [limit]     dump journal records
  snapshot            show snapshot summary
  messages            list messages in the snapshot
  dlq                 list dead letters in the snapshot
  verify              re-check both files
  exit / quit / q     exit`)
}
