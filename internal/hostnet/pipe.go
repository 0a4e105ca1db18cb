package hostnet

import "sync"

const defaultPipeSize = 65536

// streamBuffer is one direction of an in-memory stream connection: a bounded
// byte queue with blocking and non-blocking access from both ends.
//
// The writer end calls write and closeWrite, the reader end calls read and
// closeRead. Closing the write end lets the reader drain buffered data and
// then observe end-of-stream; closing the read end discards buffered data
// and makes further writes fail, which is how shutdown(2) half-close and
// connection teardown are modeled.
type streamBuffer struct {
	mutex       sync.Mutex
	cond        sync.Cond
	data        []byte
	size        int
	closedRead  bool
	closedWrite bool
}

func newStreamBuffer(size int) *streamBuffer {
	if size <= 0 {
		size = defaultPipeSize
	}
	b := &streamBuffer{size: size}
	b.cond.L = &b.mutex
	return b
}

func (b *streamBuffer) read(iovs [][]byte, nonblock bool) (int, Errcode) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	for len(b.data) == 0 {
		if b.closedRead || b.closedWrite {
			return 0, Success // end of stream
		}
		if nonblock {
			return 0, WouldBlock
		}
		b.cond.Wait()
	}

	n := 0
	for _, iov := range iovs {
		c := copy(iov, b.data)
		b.data = b.data[c:]
		n += c
		if len(b.data) == 0 {
			break
		}
	}
	b.cond.Broadcast()
	return n, Success
}

func (b *streamBuffer) write(iovs [][]byte, nonblock bool) (int, Errcode) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	n := 0
	for _, iov := range iovs {
		for len(iov) > 0 {
			if b.closedRead || b.closedWrite {
				if n > 0 {
					return n, Success
				}
				return 0, BrokenPipe
			}
			space := b.size - len(b.data)
			if space == 0 {
				if nonblock {
					if n > 0 {
						return n, Success
					}
					return 0, WouldBlock
				}
				b.cond.Wait()
				continue
			}
			c := len(iov)
			if c > space {
				c = space
			}
			b.data = append(b.data, iov[:c]...)
			iov = iov[c:]
			n += c
			b.cond.Broadcast()
		}
	}
	return n, Success
}

func (b *streamBuffer) closeRead() {
	b.mutex.Lock()
	b.closedRead = true
	b.data = nil
	b.cond.Broadcast()
	b.mutex.Unlock()
}

func (b *streamBuffer) closeWrite() {
	b.mutex.Lock()
	b.closedWrite = true
	b.cond.Broadcast()
	b.mutex.Unlock()
}
