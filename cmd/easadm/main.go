// The easadm command is a command-line tool for managing an easd
// database.
//
//	easadm adduser [-address addr] [-name name] [login]
//	easadm devices [login]
//	easadm appendmsg [-collection id] [login] [path to RFC-822 file]
package main

import (
	"bufio"
	"bytes"
	"context"
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"strings"
	"time"

	"crawshaw.io/sqlite/sqlitex"
	"spilled.ink/eas"
	"spilled.ink/easdb"
	"spilled.ink/email/msgbody"
)

var pool *sqlitex.Pool

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [-db file] [command]\ncommands: adduser, devices, appendmsg\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	flagDB := flag.String("db", "easd.db", "sqlite database file")
	flag.Parse()

	if len(flag.Args()) == 0 {
		flag.Usage()
		exit(2)
	}

	var err error
	pool, err = easdb.Open(*flagDB)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
		exit(2)
	}

	switch flag.Arg(0) {
	default:
		fmt.Fprintf(os.Stderr, "%s: unknown command '%s'\n", os.Args[0], flag.Arg(0))
		exit(1)
	case "adduser":
		err = cmdAddUser(flag.Args()[1:])
	case "devices":
		err = cmdDevices(flag.Args()[1:])
	case "appendmsg":
		err = cmdAppendMsg(flag.Args()[1:])
	}
	if err != nil {
		// UserError carries a message meant for the operator.
		if uerr, ok := err.(*easdb.UserError); ok {
			fmt.Fprintf(os.Stderr, "%s %s: %s\n", os.Args[0], flag.Arg(0), uerr.UserMsg)
		} else {
			fmt.Fprintf(os.Stderr, "%s %s: %v\n", os.Args[0], flag.Arg(0), err)
		}
		exit(1)
	}
	exit(0)
}

func cmdAddUser(args []string) error {
	fs := flag.NewFlagSet("adduser", flag.ExitOnError)
	flagAddress := fs.String("address", "", "primary mail address (defaults to login)")
	flagName := fs.String("name", "", "full name")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: adduser [-address addr] [-name name] [login]")
	}
	login := fs.Arg(0)

	fmt.Fprintf(os.Stderr, "password for %s: ", login)
	password, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return err
	}
	password = strings.TrimRight(password, "\r\n")

	conn := pool.Get(nil)
	defer pool.Put(conn)
	userID, err := easdb.AddUser(conn, easdb.UserDetails{
		Login:    login,
		Address:  *flagAddress,
		FullName: *flagName,
		Password: password,
	})
	if err != nil {
		return err
	}
	fmt.Printf("user %s created, id %d\n", login, userID)
	return nil
}

func cmdDevices(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: devices [login]")
	}
	ctx := context.Background()
	store := &easdb.Store{DB: pool}
	user, err := store.User(ctx, args[0])
	if err != nil {
		return err
	}
	devices, err := store.Devices(ctx, user.ID)
	if err != nil {
		return err
	}
	fmt.Printf("DeviceID\tType\tProvision\tVersion\tLastSeen\n")
	for _, d := range devices {
		fmt.Printf("%s\t%s\t%s\t%s\t%s\n",
			d.DeviceID, d.DeviceType, d.Provision, d.ProtocolVersion,
			d.LastSeen.UTC().Format(time.RFC3339))
	}
	return nil
}

func cmdAppendMsg(args []string) error {
	fs := flag.NewFlagSet("appendmsg", flag.ExitOnError)
	flagCollection := fs.String("collection", eas.CollectionInbox, "collection to append to")
	fs.Parse(args)
	if fs.NArg() != 2 {
		return fmt.Errorf("usage: appendmsg [-collection id] [login] [path]")
	}

	ctx := context.Background()
	store := &easdb.Store{DB: pool}
	user, err := store.User(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	if _, known := eas.FolderByID(*flagCollection); !known {
		return fmt.Errorf("unknown collection %q", *flagCollection)
	}

	raw, err := ioutil.ReadFile(fs.Arg(1))
	if err != nil {
		return err
	}
	body, err := msgbody.Extract(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("parse %s: %v", fs.Arg(1), err)
	}
	item := &eas.Item{
		Subject:      body.Subject,
		From:         body.From,
		To:           body.To,
		Cc:           body.Cc,
		ReplyTo:      body.ReplyTo,
		DateReceived: body.Date,
		Importance:   body.Importance,
		MIME:         raw,
		BodyPlain:    body.Plain,
		BodyHTML:     body.HTML,
	}
	if item.DateReceived.IsZero() {
		item.DateReceived = time.Now()
	}
	if len(body.ConvoID) > 0 {
		item.ConversationID = body.ConvoID
	}
	serverID, err := store.InsertItem(ctx, user.ID, *flagCollection, item)
	if err != nil {
		return err
	}
	fmt.Printf("message appended, server id %s\n", serverID)
	return nil
}

func exit(code int) {
	if pool != nil {
		if err := pool.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "%s: db close error: %v\n", os.Args[0], err)
		}
	}
	os.Exit(code)
}
