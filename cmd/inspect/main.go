// Command inspect dumps store contents for offline debugging. Point it
// at a database directory that no server currently holds open.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"supportchat/pkg/logger"
	"supportchat/pkg/store"
)

func main() {
	var dbPath, user string
	var limit int
	flag.StringVar(&dbPath, "db", "", "path to the database directory")
	flag.StringVar(&user, "user", "", "dump messages for this conversation instead of the conversation list")
	flag.IntVar(&limit, "limit", 100, "maximum messages to dump")
	flag.Parse()
	if dbPath == "" {
		fmt.Fprintln(os.Stderr, "--db required")
		os.Exit(2)
	}
	logger.Init()

	// servers keep the pebble files under <db>/store
	if fi, err := os.Stat(filepath.Join(dbPath, "store")); err == nil && fi.IsDir() {
		dbPath = filepath.Join(dbPath, "store")
	}
	if err := store.Open(dbPath); err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", dbPath, err)
		os.Exit(1)
	}
	defer store.Close()

	if user != "" {
		msgs, err := store.ListMessages(user, limit, "")
		if err != nil {
			fmt.Fprintf(os.Stderr, "list messages: %v\n", err)
			os.Exit(1)
		}
		for _, m := range msgs {
			fmt.Fprintf(os.Stdout, "%d\t%s\tadmin=%t read=%t\t%s\n", m.CreatedTS, m.ID, m.IsAdmin, m.Read, m.Body)
		}
		return
	}

	convs, err := store.ListConversations()
	if err != nil {
		fmt.Fprintf(os.Stderr, "list conversations: %v\n", err)
		os.Exit(1)
	}
	for _, c := range convs {
		fmt.Fprintf(os.Stdout, "%s\tunread=%d\tlast_admin=%t\t%s\n", c.UserID, c.Unread, c.LastIsAdmin, c.LastBody)
	}
}
