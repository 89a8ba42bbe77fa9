package lib

import (
	"fmt"
	"math"
)

type ErrorI interface {
	Code() ErrorCode     // Returns the error code
	Module() ErrorModule // Returns the error module
	error                // Implements the built-in error interface
}

var _ ErrorI = &Error{} // Ensures *Error implements ErrorI

type ErrorCode uint32 // Defines a type for error codes

type ErrorModule string // Defines a type for error modules

type Error struct {
	ECode   ErrorCode   `json:"code"`   // Error code
	EModule ErrorModule `json:"module"` // Error module
	Msg     string      `json:"msg"`    // Error message
}

func NewError(code ErrorCode, module ErrorModule, msg string) *Error {
	return &Error{ECode: code, EModule: module, Msg: msg}
}

// Code() returns the associated error code
func (p *Error) Code() ErrorCode { return p.ECode }

// Module() returns module field
func (p *Error) Module() ErrorModule { return p.EModule }

// String() calls Error()
func (p *Error) String() string { return p.Error() }

// Error() returns a formatted string including module, code and message
func (p *Error) Error() string {
	return fmt.Sprintf("\nModule:  %s\nCode:    %d\nMessage: %s", p.EModule, p.ECode, p.Msg)
}

// IsError() checks whether err is an ErrorI with the given code and module
func IsError(err error, code ErrorCode, module ErrorModule) bool {
	e, ok := err.(ErrorI)
	if !ok || e == nil {
		return false
	}
	return e.Code() == code && e.Module() == module
}

const (
	NoCode ErrorCode = math.MaxUint32

	// Main Module
	MainModule ErrorModule = "main"

	// Main Module Error Codes
	CodeUnmarshal          ErrorCode = 4
	CodeStringToBytes      ErrorCode = 8
	CodeNilBlockHeader     ErrorCode = 10
	CodeNewPubKeyFromBytes ErrorCode = 23
	CodeNewMultiPubKey     ErrorCode = 24
	CodeInvalidConfig      ErrorCode = 32
	CodeInvalidBranch      ErrorCode = 33

	// Session Module
	SessionModule ErrorModule = "session"

	// Session Module Error Codes
	CodeLifecycle           ErrorCode = 1
	CodeEmptyAuthorities    ErrorCode = 2
	CodeNotInAuthoritySet   ErrorCode = 3
	CodeSessionTask         ErrorCode = 4
	CodeUnknownSession      ErrorCode = 5
	CodeBackupIncomplete    ErrorCode = 6
	CodeAuthoritiesMismatch ErrorCode = 7

	// Finality Module
	FinalityModule ErrorModule = "finality"

	// Finality Module Error Codes
	CodeForkSafety                ErrorCode = 1
	CodeConflictingFinalization   ErrorCode = 2
	CodeBlockNotFound             ErrorCode = 3
	CodeInvalidHeader             ErrorCode = 4
	CodeBranchTooLong             ErrorCode = 5
	CodeBrokenBranch              ErrorCode = 6
	CodeEmptyAggregateSignature   ErrorCode = 7
	CodeInvalidAggregateSignature ErrorCode = 8
	CodeInvalidSignerBitmap       ErrorCode = 9
	CodeNoQuorum                  ErrorCode = 10
	CodeInvalidNodeIndex          ErrorCode = 11
	CodeInvalidPartialSignature   ErrorCode = 12
	CodeUnknownAuthorities        ErrorCode = 13
	CodePipelineClosed            ErrorCode = 14

	// ABFT Module
	ABFTModule ErrorModule = "abft"

	// ABFT Module Error Codes
	CodeMalformedUnit    ErrorCode = 1
	CodeCorruptRecord    ErrorCode = 2
	CodeBackupWrite      ErrorCode = 3
	CodeEmptySessionInfo ErrorCode = 4

	// Rate Limit Module
	RateLimitModule ErrorModule = "ratelimit"

	// Rate Limit Module Error Codes
	CodeNonPositiveRate        ErrorCode = 1
	CodeNonPositiveCapacity    ErrorCode = 2
	CodeRequestExceedsCapacity ErrorCode = 3
	CodeNonPositiveRequest     ErrorCode = 4

	// P2P Module
	P2PModule ErrorModule = "p2p"

	// P2P Module Error Codes
	CodeUnknownP2PMessage     ErrorCode = 1
	CodeFailedRead            ErrorCode = 2
	CodeFailedWrite           ErrorCode = 3
	CodeMaxMessageSize        ErrorCode = 4
	CodePongTimeout           ErrorCode = 5
	CodeBlacklisted           ErrorCode = 6
	CodeErrorGroup            ErrorCode = 7
	CodeFailedChallenge       ErrorCode = 10
	CodePeerAlreadyExists     ErrorCode = 13
	CodePeerNotFound          ErrorCode = 14
	CodeFailedDial            ErrorCode = 15
	CodeMismatchPeerPublicKey ErrorCode = 16
	CodeFailedListen          ErrorCode = 17
	CodeInvalidPeerPublicKey  ErrorCode = 18
	CodeSignatureSwap         ErrorCode = 19
	CodeHelloSwap             ErrorCode = 20
	CodeBadStream             ErrorCode = 21
	CodeMaxOutbound           ErrorCode = 29
	CodeMaxInbound            ErrorCode = 30
	CodeBannedID              ErrorCode = 31
	CodeIncompatiblePeer      ErrorCode = 32
	CodeInvalidNetAddress     ErrorCode = 33
	CodeMalformedEnvelope     ErrorCode = 34
	CodeUnknownVersion        ErrorCode = 35
	CodeInvalidAddressingInfo ErrorCode = 36
	CodeInvalidSignature      ErrorCode = 37
	CodeStaleAddressingInfo   ErrorCode = 38
	CodeNoAddress             ErrorCode = 39

	// Store Module
	StorageModule     ErrorModule = "store"
	CodeOpenDB        ErrorCode   = 1
	CodeCloseDB       ErrorCode   = 2
	CodeStoreSet      ErrorCode   = 3
	CodeStoreGet      ErrorCode   = 4
	CodeStoreDelete   ErrorCode   = 5
	CodeCommitDB      ErrorCode   = 6
	CodeInvalidKey    ErrorCode   = 8
	CodeCorruptBackup ErrorCode   = 14
)

// error implementations below for the `lib` package
func newLogError(err error) ErrorI {
	return NewError(NoCode, MainModule, err.Error())
}

func ErrUnmarshal(err error) ErrorI {
	return NewError(CodeUnmarshal, MainModule, fmt.Sprintf("unmarshal() failed with err: %s", err.Error()))
}

func ErrStringToBytes(err error) ErrorI {
	return NewError(CodeStringToBytes, MainModule, fmt.Sprintf("stringToBytes() failed with err: %s", err.Error()))
}

func ErrNilBlockHeader() ErrorI {
	return NewError(CodeNilBlockHeader, MainModule, "block.header is nil")
}

func ErrPubKeyFromBytes(err error) ErrorI {
	return NewError(CodeNewPubKeyFromBytes, MainModule, fmt.Sprintf("publicKeyFromBytes() failed with err: %s", err.Error()))
}

func ErrNewMultiPubKey(err error) ErrorI {
	return NewError(CodeNewMultiPubKey, MainModule, fmt.Sprintf("newMultiPubKey() failed with err: %s", err.Error()))
}

func ErrInvalidConfig(reason string) ErrorI {
	return NewError(CodeInvalidConfig, MainModule, fmt.Sprintf("invalid config: %s", reason))
}

func ErrInvalidBranch(reason string) ErrorI {
	return NewError(CodeInvalidBranch, MainModule, fmt.Sprintf("invalid proposal branch: %s", reason))
}

func ErrBranchTooLong(length, max int) ErrorI {
	return NewError(CodeBranchTooLong, FinalityModule, fmt.Sprintf("proposal branch length %d exceeds the max %d", length, max))
}

func ErrEmptyAggregateSignature() ErrorI {
	return NewError(CodeEmptyAggregateSignature, FinalityModule, "empty aggregate signature")
}

func ErrInvalidAggrSignature() ErrorI {
	return NewError(CodeInvalidAggregateSignature, FinalityModule, "invalid aggregate signature")
}

func ErrInvalidSignerBitmap(err error) ErrorI {
	return NewError(CodeInvalidSignerBitmap, FinalityModule, fmt.Sprintf("invalid signature bitmap: %s", err.Error()))
}

func ErrNoQuorum(signed, required int) ErrorI {
	return NewError(CodeNoQuorum, FinalityModule, fmt.Sprintf("quorum not reached: %d signers of %d required", signed, required))
}

func ErrInvalidNodeIndex(idx NodeIndex, size int) ErrorI {
	return NewError(CodeInvalidNodeIndex, FinalityModule, fmt.Sprintf("node index %d is outside of authority set of size %d", idx, size))
}

func ErrForkSafety(block, finalized BlockId) ErrorI {
	return NewError(CodeForkSafety, FinalityModule, fmt.Sprintf("block %s doesn't descend from the finalized block %s", block, finalized))
}

func ErrConflictingFinalization(block, finalized BlockId) ErrorI {
	return NewError(CodeConflictingFinalization, FinalityModule, fmt.Sprintf("block %s conflicts with the finalized chain at %s", block, finalized))
}

func ErrBlockNotFound(id BlockId) ErrorI {
	return NewError(CodeBlockNotFound, FinalityModule, fmt.Sprintf("block %s not found", id))
}

func ErrInvalidHeader(reason string) ErrorI {
	return NewError(CodeInvalidHeader, FinalityModule, fmt.Sprintf("invalid header: %s", reason))
}

func ErrBrokenBranch(block BlockId) ErrorI {
	return NewError(CodeBrokenBranch, FinalityModule, fmt.Sprintf("block %s doesn't link to its predecessor in the branch", block))
}

func ErrInvalidPartialSignature(idx NodeIndex) ErrorI {
	return NewError(CodeInvalidPartialSignature, FinalityModule, fmt.Sprintf("invalid signature share from node %d", idx))
}

func ErrUnknownAuthorities(session SessionId) ErrorI {
	return NewError(CodeUnknownAuthorities, FinalityModule, fmt.Sprintf("authority set of %s is unknown", session))
}

func ErrPipelineClosed() ErrorI {
	return NewError(CodePipelineClosed, FinalityModule, "finalization pipeline is closed")
}
