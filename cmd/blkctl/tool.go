package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/fatih/color"
	log "github.com/fclairamb/go-log"
	"github.com/google/shlex"
	"github.com/pkg/errors"

	"blockdev-go/blockdev"
	"blockdev-go/board"
	"blockdev-go/drivers/sdcard"
	"blockdev-go/drivers/spiflash"
	"blockdev-go/errcode"
	"blockdev-go/fatvol"
)

var (
	bold  = color.New(color.Bold).SprintFunc()
	green = color.New(color.FgGreen).SprintFunc()
	red   = color.New(color.FgRed).SprintFunc()
	faint = color.New(color.Faint).SprintfFunc()
)

// tool holds the devices created from the configuration.
type tool struct {
	devs   map[string]blockdev.Device
	failed map[string]error
	order  []string
	out    io.Writer
	log    log.Logger
}

func newTool(out io.Writer, logger log.Logger) *tool {
	return &tool{
		devs:   map[string]blockdev.Device{},
		failed: map[string]error{},
		out:    out,
		log:    logger,
	}
}

// add creates a device; a failure is remembered and reported by info.
func (t *tool) add(cfg blockdev.Config, reg board.Registry) {
	id := cfg.ID()
	t.order = append(t.order, id)
	d, err := blockdev.Create(cfg, reg, blockdev.WithLogger(t.log))
	if err != nil {
		t.log.Warn("create failed", "device", id, "err", err)
		t.failed[id] = err
		return
	}
	t.devs[id] = d
}

func (t *tool) close() {
	for _, id := range t.order {
		if d, ok := t.devs[id]; ok {
			if err := d.Close(); err != nil {
				t.log.Warn("close failed", "device", id, "err", err)
			}
		}
	}
}

type command struct {
	args  string
	nargs int
	help  string
	run   func(t *tool, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"info":    {"", 0, "list devices and their geometry", (*tool).info},
		"read":    {"<dev> <addr> <n>", 3, "hex dump n bytes", (*tool).read},
		"write":   {"<dev> <addr> <hex>", 3, "write bytes given in hex", (*tool).write},
		"erase":   {"<dev> <addr> <n>", 3, "erase whole blocks", (*tool).erase},
		"discard": {"<dev> <addr> <n>", 3, "card erase of whole blocks (sdcard)", (*tool).discard},
		"protect": {"<dev> on|off", 2, "set block protection (spiflash)", (*tool).protect},
		"format":  {"<dev> <label>", 2, "create a FAT32 volume", (*tool).format},
		"ls":      {"<dev> <dir>", 2, "list a directory on the volume", (*tool).ls},
		"cat":     {"<dev> <path>", 2, "print a file from the volume", (*tool).cat},
		"put":     {"<dev> <path> <text>", 3, "write a file to the volume", (*tool).put},
		"help":    {"", 0, "show commands", (*tool).help},
	}
}

// run executes one command line already split into words.
func (t *tool) run(args []string) error {
	if len(args) == 0 {
		return nil
	}
	c, ok := commands[args[0]]
	if !ok {
		return errors.Errorf("unknown command %q (try help)", args[0])
	}
	if len(args)-1 != c.nargs {
		return errors.Errorf("usage: %s %s", args[0], c.args)
	}
	return c.run(t, args[1:])
}

// shell reads commands from in until EOF or "exit".
func (t *tool) shell(in io.Reader) error {
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(t.out, bold("blkctl> "))
		if !sc.Scan() {
			fmt.Fprintln(t.out)
			return sc.Err()
		}
		words, err := shlex.Split(sc.Text())
		if err != nil {
			fmt.Fprintln(t.out, red(err))
			continue
		}
		if len(words) > 0 && (words[0] == "exit" || words[0] == "quit") {
			return nil
		}
		if err := t.run(words); err != nil {
			fmt.Fprintln(t.out, red(describe(err)))
		}
	}
}

// describe prefixes an error with its contract code.
func describe(err error) string {
	if c := errcode.Of(err); c != errcode.Error {
		return "[" + string(c) + "] " + err.Error()
	}
	return err.Error()
}

func (t *tool) device(id string) (blockdev.Device, error) {
	if d, ok := t.devs[id]; ok {
		return d, nil
	}
	if err, ok := t.failed[id]; ok {
		return nil, errors.Wrapf(err, "%s unavailable", id)
	}
	return nil, errors.Errorf("no device %q", id)
}

func parseNum(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	return v, errors.Wrapf(err, "bad number %q", s)
}

func (t *tool) info(_ []string) error {
	for _, id := range t.order {
		d, ok := t.devs[id]
		if !ok {
			fmt.Fprintf(t.out, "%s  %s\n", bold(id), red(describe(t.failed[id])))
			continue
		}
		g := d.Geometry()
		fmt.Fprintf(t.out, "%s  %s  %d x %d B = %d B  read %d prog %d\n",
			bold(id), green(d.State()), g.BlockCount, g.BlockSize, g.Capacity(), g.ReadSize, g.ProgSize)
		switch v := d.(type) {
		case *sdcard.Device:
			cid := v.CID()
			kind := "SDSC"
			if v.HighCapacity() {
				kind = "SDHC/SDXC"
			}
			fmt.Fprintln(t.out, faint("    %s %s rev %d.%d serial %08x %04d-%02d wp=%v",
				kind, cid.ProductName, cid.Revision>>4, cid.Revision&0xF, cid.Serial, cid.Year, cid.Month,
				v.WriteProtected()))
		case *spiflash.Device:
			m, r := v.Memory(), v.Region()
			fmt.Fprintln(t.out, faint("    %s jedec %06x window 0x%x+0x%x", m.Name, v.JEDECID(), r.Start, r.Size))
		}
	}
	return nil
}

func (t *tool) read(args []string) error {
	d, err := t.device(args[0])
	if err != nil {
		return err
	}
	addr, err := parseNum(args[1])
	if err != nil {
		return err
	}
	n, err := parseNum(args[2])
	if err != nil {
		return err
	}
	buf := make([]byte, n)
	got, err := blockdev.NewIO(d).ReadAt(buf, int64(addr))
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	dump := hex.Dumper(t.out)
	defer dump.Close()
	_, err = dump.Write(buf[:got])
	return err
}

func (t *tool) write(args []string) error {
	d, err := t.device(args[0])
	if err != nil {
		return err
	}
	addr, err := parseNum(args[1])
	if err != nil {
		return err
	}
	data, err := hex.DecodeString(args[2])
	if err != nil {
		return errors.Wrap(err, "bad hex")
	}
	w := blockdev.NewIO(d)
	if _, err := w.WriteAt(data, int64(addr)); err != nil {
		return err
	}
	if err := w.Sync(); err != nil {
		return err
	}
	fmt.Fprintf(t.out, "%s %d bytes at 0x%x\n", green("wrote"), len(data), addr)
	return nil
}

func (t *tool) erase(args []string) error {
	d, err := t.device(args[0])
	if err != nil {
		return err
	}
	addr, err := parseNum(args[1])
	if err != nil {
		return err
	}
	n, err := parseNum(args[2])
	if err != nil {
		return err
	}
	if err := d.Erase(addr, n); err != nil {
		return err
	}
	fmt.Fprintf(t.out, "%s 0x%x+0x%x\n", green("erased"), addr, n)
	return nil
}

func (t *tool) discard(args []string) error {
	d, err := t.device(args[0])
	if err != nil {
		return err
	}
	sd, ok := d.(*sdcard.Device)
	if !ok {
		return errcode.New(errcode.Unsupported, "discard", args[0]+" is not an sdcard")
	}
	addr, err := parseNum(args[1])
	if err != nil {
		return err
	}
	n, err := parseNum(args[2])
	if err != nil {
		return err
	}
	if err := sd.Discard(addr, n); err != nil {
		return err
	}
	fmt.Fprintf(t.out, "%s 0x%x+0x%x\n", green("discarded"), addr, n)
	return nil
}

func (t *tool) protect(args []string) error {
	d, err := t.device(args[0])
	if err != nil {
		return err
	}
	fl, ok := d.(*spiflash.Device)
	if !ok {
		return errcode.New(errcode.Unsupported, "protect", args[0]+" is not a spiflash")
	}
	var on bool
	switch args[1] {
	case "on":
		on = true
	case "off":
	default:
		return errors.Errorf("protect takes on or off, not %q", args[1])
	}
	return fl.SetProtection(on)
}

func (t *tool) volume(id string) (*fatvol.Volume, error) {
	d, err := t.device(id)
	if err != nil {
		return nil, err
	}
	return fatvol.Open(d)
}

func (t *tool) format(args []string) error {
	d, err := t.device(args[0])
	if err != nil {
		return err
	}
	v, err := fatvol.Format(d, args[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(t.out, "%s %s as FAT32 %q\n", green("formatted"), args[0], strings.TrimSpace(v.Label()))
	return nil
}

func (t *tool) ls(args []string) error {
	v, err := t.volume(args[0])
	if err != nil {
		return err
	}
	es, err := v.List(args[1])
	if err != nil {
		return err
	}
	sort.Slice(es, func(i, j int) bool { return es[i].Name < es[j].Name })
	for _, e := range es {
		if e.Dir {
			fmt.Fprintln(t.out, bold(e.Name+"/"))
			continue
		}
		fmt.Fprintln(t.out, e.Name)
	}
	return nil
}

func (t *tool) cat(args []string) error {
	v, err := t.volume(args[0])
	if err != nil {
		return err
	}
	b, err := v.ReadFile(args[1])
	if err != nil {
		return err
	}
	_, err = t.out.Write(b)
	return err
}

func (t *tool) put(args []string) error {
	v, err := t.volume(args[0])
	if err != nil {
		return err
	}
	return v.WriteFile(args[1], []byte(args[2]))
}

func (t *tool) help(_ []string) error {
	names := make([]string, 0, len(commands))
	for n := range commands {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		c := commands[n]
		fmt.Fprintf(t.out, "  %-8s %-22s %s\n", n, c.args, faint("%s", c.help))
	}
	fmt.Fprintln(t.out, "  shell                           read commands from stdin")
	return nil
}
