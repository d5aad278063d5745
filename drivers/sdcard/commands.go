package sdcard

import (
	"fmt"

	"blockdev-go/errcode"
)

// Command indices (SD Physical Layer Simplified Spec, eMMC JESD84 where noted).
const (
	cmdGoIdle          = 0
	cmdSendOpCondMMC   = 1 // eMMC
	cmdAllSendCID      = 2
	cmdSendRelAddr     = 3
	cmdSwitchMMC       = 6 // eMMC SWITCH
	cmdSelectCard      = 7
	cmdSendIfCond      = 8 // SD; eMMC SEND_EXT_CSD
	cmdSendCSD         = 9
	cmdVoltageSwitch   = 11
	cmdStopTransmit    = 12
	cmdSendStatus      = 13
	cmdSetBlockLen     = 16
	cmdReadSingle      = 17
	cmdReadMulti       = 18
	cmdWriteSingle     = 24
	cmdWriteMulti      = 25
	cmdEraseStart      = 32
	cmdEraseEnd        = 33
	cmdEraseGroupStart = 35 // eMMC
	cmdEraseGroupEnd   = 36 // eMMC
	cmdErase           = 38
	cmdAppCmd          = 55

	acmdSetBusWidth = 6
	acmdSendOpCond  = 41
)

// RespType is the expected response format of a command.
type RespType uint8

const (
	RespNone RespType = iota
	RespR1
	RespR1b // R1 with busy on DAT0
	RespR2  // 136-bit CID/CSD
	RespR3  // OCR
	RespR6  // published RCA
	RespR7  // interface condition
)

// Command is one bus transaction handed to the Host. Data, when present,
// is transferred in BlockSize units after the command phase.
type Command struct {
	Index     uint8
	Arg       uint32
	Resp      RespType
	Data      []byte
	BlockSize uint32
	Write     bool

	// Filled by the host. Short responses use Response[0]; R2 fills all
	// four words, most significant first.
	Response [4]uint32
}

// OCR bits.
const (
	ocrVoltWindow = 0x00FF8000 // 2.7-3.6 V
	ocrS18        = 1 << 24
	ocrCCS        = 1 << 30 // card capacity status (HCS in the argument)
	ocrBusyN      = 1 << 31 // set when power-up is complete

	mmcOCRSector = 0x40FF8080 // sector addressing, dual voltage
)

// R1 card status bits.
const (
	r1OutOfRange    = 1 << 31
	r1AddressError  = 1 << 30
	r1BlockLenError = 1 << 29
	r1EraseSeqError = 1 << 28
	r1EraseParam    = 1 << 27
	r1WPViolation   = 1 << 26
	r1LockFailed    = 1 << 24
	r1ComCRCError   = 1 << 23
	r1IllegalCmd    = 1 << 22
	r1ECCFailed     = 1 << 21
	r1CCError       = 1 << 20
	r1Error         = 1 << 19
	r1CSDOverwrite  = 1 << 16
	r1ReadyForData  = 1 << 8
	r1AKESeqError   = 1 << 3

	r1ErrorMask = r1OutOfRange | r1AddressError | r1BlockLenError | r1EraseSeqError |
		r1EraseParam | r1WPViolation | r1LockFailed | r1ComCRCError | r1IllegalCmd |
		r1ECCFailed | r1CCError | r1Error | r1CSDOverwrite | r1AKESeqError
)

// Card states reported in R1 bits 12:9.
const (
	stateIdle  = 0
	stateReady = 1
	stateIdent = 2
	stateStby  = 3
	stateTran  = 4
	stateData  = 5
	stateRcv   = 6
	statePrg   = 7
)

func r1State(r uint32) uint32 { return (r >> 9) & 0xF }

// r1Err maps card status error bits to the contract taxonomy.
func r1Err(op string, r uint32) error {
	bad := r & r1ErrorMask
	switch {
	case bad == 0:
		return nil
	case bad&r1WPViolation != 0:
		return errcode.New(errcode.WriteProtected, op, "card reports WP_VIOLATION")
	case bad&(r1OutOfRange|r1AddressError) != 0:
		return errcode.New(errcode.OutOfRange, op, fmt.Sprintf("card status 0x%08x", r))
	default:
		return errcode.New(errcode.IOError, op, fmt.Sprintf("card status 0x%08x", r))
	}
}
