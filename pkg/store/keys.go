package store

import "fmt"

// Key layout:
//
//	conv:<convID>:meta                      conversation document
//	conv:<convID>:msg:<%020d>-<msgID>       message row (ts = CreatedAt ns)
//	latest:msg:<msgID>                      latest version pointer
//	version:msg:<msgID>:<%020d>-<%06d>      audit trail of every mutation
//	presence:<userID>                       presence document
//
// Message rows are keyed by server timestamp then id, so a prefix scan
// yields createdAt order with a deterministic id tiebreak, and a mutation
// rewrites the same key in place.

func convMetaKey(convID string) []byte {
	return []byte("conv:" + convID + ":meta")
}

func convMsgPrefix(convID string) []byte {
	return []byte("conv:" + convID + ":msg:")
}

func msgKey(convID string, ts int64, msgID string) []byte {
	return []byte(fmt.Sprintf("conv:%s:msg:%020d-%s", convID, ts, msgID))
}

func latestKey(msgID string) []byte {
	return []byte("latest:msg:" + msgID)
}

func versionKey(msgID string, ts int64, seq uint64) []byte {
	return []byte(fmt.Sprintf("version:msg:%s:%020d-%06d", msgID, ts, seq))
}

func versionPrefix(msgID string) []byte {
	return []byte("version:msg:" + msgID + ":")
}

func presenceKey(userID string) []byte {
	return []byte("presence:" + userID)
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, for bounded iterators.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
