package sim

import (
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"blockdev-go/drivers/sdcard"
	"blockdev-go/errcode"
)

const sdBlock = 512

// Card states (R1 CURRENT_STATE).
const (
	sdIdle  = 0
	sdReady = 1
	sdIdent = 2
	sdStby  = 3
	sdTran  = 4
	sdPrg   = 7
)

// R1 bits the model reports.
const (
	r1OutOfRange   = 1 << 31
	r1AddressError = 1 << 30
	r1WPViolation  = 1 << 26
	r1IllegalCmd   = 1 << 22
	r1ReadyForData = 1 << 8
	r1AppCmd       = 1 << 5
)

// SDCardOptions shape the simulated card.
type SDCardOptions struct {
	// SDSC selects a v1 standard-capacity card: no CMD8, byte addressing,
	// CSD 1.0. Capacity must then be a multiple of 256 KiB and at most 1 GiB.
	SDSC bool
	// EMMC selects an eMMC device (CMD1 power-up, EXT_CSD capacity).
	EMMC bool
	// BusyPolls is how many ACMD41/CMD1 calls report "still powering up".
	BusyPolls int
	// ProgPolls is how many CMD13 calls report prg after a write.
	ProgPolls int
	// LowVoltage lets the card accept the 1.8 V switch.
	LowVoltage bool
}

// SDCard is a simulated SD host controller with a card in its slot. It
// implements sdcard.Host; media lives in an afero file.
type SDCard struct {
	mu     sync.Mutex
	opts   SDCardOptions
	media  afero.File
	blocks uint32

	host       sdcard.HostConfig
	configured bool
	configErr  error

	inserted bool
	state    int
	rca      uint16
	app      bool
	polls    int
	prgLeft  int
	permWP   bool
	s18      bool
	eraseLo  uint32
	eraseHi  uint32

	faults map[uint8]error
	counts map[uint8]int

	cd, wp             *Pin
	cdActiveHigh, wpHi bool
}

var _ sdcard.Host = (*SDCard)(nil)

// NewSDCard creates (or reuses) an image of blocks 512-byte blocks at path.
func NewSDCard(fs afero.Fs, path string, blocks uint32, opts SDCardOptions) (*SDCard, error) {
	switch {
	case blocks == 0:
		return nil, errors.New("sim: zero-sized card")
	case opts.SDSC && (blocks%512 != 0 || blocks > 2<<20):
		return nil, errors.Errorf("sim: SDSC card of %d blocks cannot be described by CSD 1.0", blocks)
	case !opts.SDSC && !opts.EMMC && blocks%1024 != 0:
		return nil, errors.Errorf("sim: SDHC capacity must be a multiple of 512 KiB, got %d blocks", blocks)
	}
	f, err := openImage(fs, path, int64(blocks)*sdBlock)
	if err != nil {
		return nil, err
	}
	return &SDCard{
		opts:     opts,
		media:    f,
		blocks:   blocks,
		inserted: true,
		faults:   map[uint8]error{},
		counts:   map[uint8]int{},
	}, nil
}

func openImage(fs afero.Fs, path string, size int64) (afero.File, error) {
	f, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "sim: open image %s", path)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "sim: stat image")
	}
	if st.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "sim: size image")
		}
	}
	return f, nil
}

// Close releases the image file.
func (s *SDCard) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.media.Close()
}

// AttachDetect wires a card-detect switch to p and drives it from the
// current insertion state.
func (s *SDCard) AttachDetect(p *Pin, activeHigh bool) {
	s.mu.Lock()
	s.cd, s.cdActiveHigh = p, activeHigh
	in := s.inserted
	s.mu.Unlock()
	p.Drive(in == activeHigh)
}

// AttachWriteProtect wires the mechanical write-protect switch to p.
func (s *SDCard) AttachWriteProtect(p *Pin, activeHigh bool) {
	s.mu.Lock()
	s.wp, s.wpHi = p, activeHigh
	s.mu.Unlock()
	p.Drive(!activeHigh)
}

// SetWriteProtect flips the write-protect switch.
func (s *SDCard) SetWriteProtect(on bool) {
	s.mu.Lock()
	wp, hi := s.wp, s.wpHi
	s.mu.Unlock()
	if wp != nil {
		wp.Drive(on == hi)
	}
}

// SetPermanentWriteProtect makes the card itself refuse writes
// (WP_VIOLATION), independent of the switch.
func (s *SDCard) SetPermanentWriteProtect(on bool) {
	s.mu.Lock()
	s.permWP = on
	s.mu.Unlock()
}

// Remove pulls the card out of the slot.
func (s *SDCard) Remove() { s.setInserted(false) }

// Insert puts the card back; it comes up in the idle state.
func (s *SDCard) Insert() { s.setInserted(true) }

func (s *SDCard) setInserted(in bool) {
	s.mu.Lock()
	s.inserted = in
	s.state, s.rca, s.app = sdIdle, 0, false
	cd, hi := s.cd, s.cdActiveHigh
	s.mu.Unlock()
	if cd != nil {
		cd.Drive(in == hi)
	}
}

// Fail makes the next command with the given index fail with err.
func (s *SDCard) Fail(index uint8, err error) {
	s.mu.Lock()
	s.faults[index] = err
	s.mu.Unlock()
}

// FailConfigure makes every Configure call fail with err (nil clears).
func (s *SDCard) FailConfigure(err error) {
	s.mu.Lock()
	s.configErr = err
	s.mu.Unlock()
}

// Count reports how many times a command index was issued.
func (s *SDCard) Count(index uint8) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[index]
}

// HostConfig returns the last applied host configuration.
func (s *SDCard) HostConfig() sdcard.HostConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host
}

func (s *SDCard) Configure(cfg sdcard.HostConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.configErr != nil {
		return s.configErr
	}
	if cfg.ClockHz == 0 {
		return errors.New("sim: zero clock")
	}
	if cfg.BusWidth == 8 && !s.opts.EMMC {
		return errors.New("sim: 8-bit bus on an SD slot")
	}
	s.host = cfg
	s.configured = true
	return nil
}

func (s *SDCard) r1() uint32 {
	st := uint32(s.state) << 9
	if s.state == sdTran {
		st |= r1ReadyForData
	}
	return st
}

func (s *SDCard) Transact(cmd *sdcard.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[cmd.Index]++

	if !s.configured {
		return errors.New("sim: host not configured")
	}
	if !s.inserted {
		return errcode.New(errcode.Timeout, "sim", "no response")
	}
	if err, ok := s.faults[cmd.Index]; ok {
		delete(s.faults, cmd.Index)
		return err
	}
	if s.app {
		s.app = false
		return s.acmd(cmd)
	}
	if s.opts.EMMC {
		if handled, err := s.mmc(cmd); handled {
			return err
		}
	}

	switch cmd.Index {
	case 0:
		s.state, s.rca, s.polls, s.s18 = sdIdle, 0, 0, false
	case 8:
		if s.opts.SDSC || s.state != sdIdle {
			return errcode.New(errcode.Timeout, "sim", "no response")
		}
		cmd.Response[0] = cmd.Arg & 0xFFF
	case 55:
		s.app = true
		cmd.Response[0] = s.r1() | r1AppCmd
	case 11:
		if !s.s18 {
			cmd.Response[0] = s.r1() | r1IllegalCmd
			return nil
		}
		cmd.Response[0] = s.r1()
	case 2:
		if s.state != sdReady {
			return errcode.New(errcode.Timeout, "sim", "no response")
		}
		s.state = sdIdent
		cmd.Response = words(s.cid())
	case 3:
		if s.state != sdIdent && s.state != sdStby {
			return errcode.New(errcode.Timeout, "sim", "no response")
		}
		s.state = sdStby
		s.rca = 0xB368
		cmd.Response[0] = uint32(s.rca)<<16 | uint32(sdStby)<<9
	case 9:
		if s.state != sdStby || uint16(cmd.Arg>>16) != s.rca {
			return errcode.New(errcode.Timeout, "sim", "no response")
		}
		cmd.Response = words(s.csd())
	case 7:
		switch {
		case uint16(cmd.Arg>>16) == s.rca && s.rca != 0:
			s.state = sdTran
			cmd.Response[0] = s.r1()
		case cmd.Arg == 0:
			s.state = sdStby
		default:
			return errcode.New(errcode.Timeout, "sim", "no response")
		}
	case 13:
		if uint16(cmd.Arg>>16) != s.rca {
			return errcode.New(errcode.Timeout, "sim", "no response")
		}
		if s.state == sdPrg {
			if s.prgLeft > 0 {
				s.prgLeft--
			} else {
				s.state = sdTran
			}
		}
		cmd.Response[0] = s.r1()
	case 16:
		if cmd.Arg != sdBlock {
			cmd.Response[0] = s.r1() | 1<<29
			return nil
		}
		cmd.Response[0] = s.r1()
	case 12:
		cmd.Response[0] = s.r1()
	case 17, 18:
		return s.read(cmd)
	case 24, 25:
		return s.write(cmd)
	case 32, 35:
		s.eraseLo = s.blockOf(cmd.Arg)
		cmd.Response[0] = s.r1()
	case 33, 36:
		s.eraseHi = s.blockOf(cmd.Arg)
		cmd.Response[0] = s.r1()
	case 38:
		return s.erase(cmd)
	default:
		cmd.Response[0] = s.r1() | r1IllegalCmd
	}
	return nil
}

func (s *SDCard) acmd(cmd *sdcard.Command) error {
	switch cmd.Index {
	case 41:
		if s.state != sdIdle && s.state != sdReady {
			cmd.Response[0] = s.r1() | r1IllegalCmd
			return nil
		}
		ocr := uint32(0x00FF8000)
		if s.polls < s.opts.BusyPolls {
			s.polls++
			cmd.Response[0] = ocr
			return nil
		}
		ocr |= 1 << 31
		if !s.opts.SDSC && cmd.Arg&(1<<30) != 0 {
			ocr |= 1 << 30
		}
		if s.opts.LowVoltage && cmd.Arg&(1<<24) != 0 {
			ocr |= 1 << 24
			s.s18 = true
		}
		s.state = sdReady
		cmd.Response[0] = ocr
	case 6:
		if s.state != sdTran || (cmd.Arg != 0 && cmd.Arg != 2) {
			cmd.Response[0] = s.r1() | r1IllegalCmd
			return nil
		}
		cmd.Response[0] = s.r1()
	default:
		cmd.Response[0] = s.r1() | r1IllegalCmd
	}
	return nil
}

// mmc handles the commands whose meaning differs on eMMC.
func (s *SDCard) mmc(cmd *sdcard.Command) (bool, error) {
	switch cmd.Index {
	case 1:
		ocr := uint32(0x00FF8080)
		if s.polls < s.opts.BusyPolls {
			s.polls++
			cmd.Response[0] = ocr
			return true, nil
		}
		s.state = sdReady
		cmd.Response[0] = ocr | 1<<31 | 1<<30
		return true, nil
	case 3:
		if s.state != sdIdent {
			return true, errcode.New(errcode.Timeout, "sim", "no response")
		}
		s.rca = uint16(cmd.Arg >> 16)
		s.state = sdStby
		cmd.Response[0] = s.r1()
		return true, nil
	case 6:
		if s.state != sdTran {
			cmd.Response[0] = s.r1() | r1IllegalCmd
			return true, nil
		}
		s.state, s.prgLeft = sdPrg, s.opts.ProgPolls
		cmd.Response[0] = uint32(sdTran) << 9
		return true, nil
	case 8:
		if s.state != sdTran || len(cmd.Data) < sdBlock {
			cmd.Response[0] = s.r1() | r1IllegalCmd
			return true, nil
		}
		ext := cmd.Data[:sdBlock]
		for i := range ext {
			ext[i] = 0
		}
		binary.LittleEndian.PutUint32(ext[212:], s.blocks)
		cmd.Response[0] = s.r1()
		return true, nil
	case 55, 32, 33:
		cmd.Response[0] = s.r1() | r1IllegalCmd
		return true, nil
	}
	return false, nil
}

func (s *SDCard) highCap() bool { return !s.opts.SDSC }

// blockOf decodes an address argument; all ones marks a misaligned SDSC
// address.
func (s *SDCard) blockOf(arg uint32) uint32 {
	if s.highCap() {
		return arg
	}
	if arg%sdBlock != 0 {
		return ^uint32(0)
	}
	return arg / sdBlock
}

func (s *SDCard) span(cmd *sdcard.Command) (uint32, uint32, uint32) {
	first := s.blockOf(cmd.Arg)
	if first == ^uint32(0) {
		return 0, 0, r1AddressError
	}
	n := uint32(len(cmd.Data) / sdBlock)
	if uint64(first)+uint64(n) > uint64(s.blocks) {
		return 0, 0, r1OutOfRange
	}
	return first, n, 0
}

func (s *SDCard) read(cmd *sdcard.Command) error {
	if s.state != sdTran {
		cmd.Response[0] = s.r1() | r1IllegalCmd
		return nil
	}
	first, n, bad := s.span(cmd)
	if bad != 0 {
		cmd.Response[0] = s.r1() | bad
		return nil
	}
	if _, err := s.media.ReadAt(cmd.Data[:n*sdBlock], int64(first)*sdBlock); err != nil && err != io.EOF {
		return errors.Wrap(err, "sim: media read")
	}
	cmd.Response[0] = s.r1()
	return nil
}

func (s *SDCard) write(cmd *sdcard.Command) error {
	if s.state != sdTran {
		cmd.Response[0] = s.r1() | r1IllegalCmd
		return nil
	}
	if s.permWP {
		cmd.Response[0] = s.r1() | r1WPViolation
		return nil
	}
	first, n, bad := s.span(cmd)
	if bad != 0 {
		cmd.Response[0] = s.r1() | bad
		return nil
	}
	if _, err := s.media.WriteAt(cmd.Data[:n*sdBlock], int64(first)*sdBlock); err != nil {
		return errors.Wrap(err, "sim: media write")
	}
	cmd.Response[0] = s.r1()
	s.state, s.prgLeft = sdPrg, s.opts.ProgPolls
	return nil
}

func (s *SDCard) erase(cmd *sdcard.Command) error {
	if s.permWP {
		cmd.Response[0] = s.r1() | r1WPViolation
		return nil
	}
	lo, hi := s.eraseLo, s.eraseHi
	if lo > hi || hi >= s.blocks {
		cmd.Response[0] = s.r1() | r1OutOfRange
		return nil
	}
	zero := make([]byte, sdBlock)
	for b := lo; b <= hi; b++ {
		if _, err := s.media.WriteAt(zero, int64(b)*sdBlock); err != nil {
			return errors.Wrap(err, "sim: media erase")
		}
	}
	cmd.Response[0] = s.r1()
	s.state, s.prgLeft = sdPrg, s.opts.ProgPolls
	return nil
}

func (s *SDCard) cid() [16]byte {
	var r [16]byte
	r[0] = 0x1B // manufacturer
	if s.opts.EMMC {
		r[2] = 0x42
		copy(r[3:9], "SIMMC0")
		r[9] = 0x10
		binary.BigEndian.PutUint32(r[10:], 0x0BADCAFE)
		r[14] = 0x3A
		return r
	}
	copy(r[1:3], "SM")
	copy(r[3:8], "SIMSD")
	r[8] = 0x10
	binary.BigEndian.PutUint32(r[9:], 0x0BADCAFE)
	r[13] = 0x01 // year 2024: MDT = 0x18 << 4 | month
	r[14] = 0x83
	return r
}

// csd builds CSD 2.0 for SDHC, CSD 1.0 for SDSC and an EXT_CSD-deferring
// register for eMMC.
func (s *SDCard) csd() [16]byte {
	var r [16]byte
	switch {
	case s.opts.EMMC:
		setBits(&r, 127, 126, 3)
		setBits(&r, 73, 62, 0xFFF)
	case s.opts.SDSC:
		// (C_SIZE+1) * 2^(C_SIZE_MULT+2) * 2^READ_BL_LEN, with 512 x 512.
		setBits(&r, 127, 126, 0)
		setBits(&r, 83, 80, 9)
		setBits(&r, 49, 47, 7)
		setBits(&r, 73, 62, s.blocks/512-1)
	default:
		setBits(&r, 127, 126, 1)
		setBits(&r, 83, 80, 9)
		setBits(&r, 69, 48, s.blocks/1024-1)
	}
	return r
}

func setBits(r *[16]byte, hi, lo int, v uint32) {
	for b := lo; b <= hi; b++ {
		bit := byte(v>>(b-lo)) & 1
		idx := 15 - b/8
		if bit != 0 {
			r[idx] |= 1 << (b % 8)
		} else {
			r[idx] &^= 1 << (b % 8)
		}
	}
}

func words(r [16]byte) [4]uint32 {
	var w [4]uint32
	for i := range w {
		w[i] = binary.BigEndian.Uint32(r[i*4:])
	}
	return w
}
