package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/tuannm99/novacore/internal/engine"
	"github.com/tuannm99/novacore/internal/mvcc"
)

var errQuit = errors.New("quit")

const helpText = `transactions:
  begin [rc|rr]              start a transaction, prints its xid
  insert <xid> <text>        insert a record, prints its uid
  read <xid> <uid>           read a record as seen by xid
  delete <xid> <uid>         delete a record
  commit <xid> | abort <xid>

indexes (uint64 key -> uid):
  index create               create a tree, prints its boot uid
  index load <boot>
  index put <boot> <key> <uid>
  index get <boot> <key>
  index range <boot> <lo> <hi>

meta commands:
  \stats                     engine statistics
  \help                      show help
  \q | quit | exit           quit`

// Shell runs one command line at a time against an engine.
type Shell struct {
	e   *engine.Engine
	out io.Writer
}

func NewShell(e *engine.Engine, out io.Writer) *Shell {
	return &Shell{e: e, out: out}
}

// Exec runs line. It returns errQuit when the user asks to leave.
func (s *Shell) Exec(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case `\q`, "quit", "exit":
		return errQuit
	case `\help`:
		fmt.Fprintln(s.out, helpText)
		return nil
	case `\stats`:
		fmt.Fprintf(s.out, "path:   %s\nrun id: %s\nactive: %d\n",
			s.e.Path(), s.e.RunID(), s.e.ActiveTransactions())
		return nil
	case "begin":
		return s.begin(args)
	case "insert":
		return s.insert(strings.TrimSpace(strings.TrimSpace(line)[len(fields[0]):]), args)
	case "read":
		return s.read(args)
	case "delete":
		return s.delete(args)
	case "commit", "abort":
		return s.finish(cmd, args)
	case "index":
		return s.index(args)
	default:
		return fmt.Errorf("unknown command: %s (try \\help)", fields[0])
	}
}

func (s *Shell) begin(args []string) error {
	level := mvcc.ReadCommitted
	if len(args) > 0 {
		switch strings.ToLower(args[0]) {
		case "rc":
		case "rr":
			level = mvcc.RepeatableRead
		default:
			return fmt.Errorf("unknown isolation level %q (rc|rr)", args[0])
		}
	}
	xid, err := s.e.Begin(level)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "xid %d (%s)\n", xid, level)
	return nil
}

// insert takes the raw text after the command so the record keeps its
// spacing.
func (s *Shell) insert(rest string, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: insert <xid> <text>")
	}
	xid, err := parseUint(args[0])
	if err != nil {
		return err
	}
	text := strings.TrimSpace(rest[len(args[0]):])

	uid, err := s.e.Insert(xid, []byte(text))
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "uid %d\n", uid)
	return nil
}

func (s *Shell) read(args []string) error {
	xid, uid, err := twoUints(args, "usage: read <xid> <uid>")
	if err != nil {
		return err
	}
	data, err := s.e.Read(xid, uid)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%q\n", data)
	return nil
}

func (s *Shell) delete(args []string) error {
	xid, uid, err := twoUints(args, "usage: delete <xid> <uid>")
	if err != nil {
		return err
	}
	ok, err := s.e.Delete(xid, uid)
	if err != nil {
		return err
	}
	if ok {
		fmt.Fprintln(s.out, "OK (1 deleted)")
	} else {
		fmt.Fprintln(s.out, "OK (0 deleted)")
	}
	return nil
}

func (s *Shell) finish(cmd string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s <xid>", cmd)
	}
	xid, err := parseUint(args[0])
	if err != nil {
		return err
	}
	if cmd == "commit" {
		err = s.e.Commit(xid)
	} else {
		err = s.e.Abort(xid)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(s.out, "OK")
	return nil
}

func (s *Shell) index(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: index create|load|put|get|range ...")
	}
	if args[0] == "create" {
		boot, err := s.e.CreateIndex()
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "boot %d\n", boot)
		return nil
	}

	nums := make([]uint64, 0, len(args)-1)
	for _, a := range args[1:] {
		n, err := parseUint(a)
		if err != nil {
			return err
		}
		nums = append(nums, n)
	}
	want := map[string]int{"load": 1, "put": 3, "get": 2, "range": 3}
	n, ok := want[args[0]]
	if !ok {
		return fmt.Errorf("unknown index command: %s", args[0])
	}
	if len(nums) != n {
		return fmt.Errorf("index %s takes %d numbers", args[0], n)
	}

	tree, err := s.e.LoadIndex(nums[0])
	if err != nil {
		return err
	}
	switch args[0] {
	case "load":
		fmt.Fprintln(s.out, "OK")
		return nil
	case "put":
		if err := tree.Insert(nums[1], nums[2]); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "OK")
		return nil
	case "get":
		uids, err := tree.Search(nums[1])
		if err != nil {
			return err
		}
		printUIDs(s.out, uids)
		return nil
	default:
		uids, err := tree.SearchRange(nums[1], nums[2])
		if err != nil {
			return err
		}
		printUIDs(s.out, uids)
		return nil
	}
}

func printUIDs(w io.Writer, uids []uint64) {
	for _, uid := range uids {
		fmt.Fprintln(w, uid)
	}
	fmt.Fprintf(w, "(%d rows)\n", len(uids))
}

func parseUint(s string) (uint64, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	return n, nil
}

func twoUints(args []string, usage string) (uint64, uint64, error) {
	if len(args) != 2 {
		return 0, 0, errors.New(usage)
	}
	a, err := parseUint(args[0])
	if err != nil {
		return 0, 0, err
	}
	b, err := parseUint(args[1])
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}
