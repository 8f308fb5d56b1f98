package taskqueue

import "fmt"

// MaxQueueNameLength is the longest allowed queue name in bytes.
const MaxQueueNameLength = 255

// QueueName names a queue. Valid names are 1 to 255 bytes of ASCII letters,
// digits and the characters ':', '_', '.', '-'.
type QueueName string

// ParseQueueName validates s as a queue name.
func ParseQueueName(s string) (QueueName, error) {
	if len(s) == 0 {
		return "", fmt.Errorf("%w: empty", ErrInvalidQueueName)
	}
	if len(s) > MaxQueueNameLength {
		return "", fmt.Errorf("%w: longer than %d bytes", ErrInvalidQueueName, MaxQueueNameLength)
	}
	for i := 0; i < len(s); i++ {
		if !isQueueNameByte(s[i]) {
			return "", fmt.Errorf("%w: character %q at %d", ErrInvalidQueueName, s[i], i)
		}
	}
	return QueueName(s), nil
}

func isQueueNameByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == ':', c == '_', c == '.', c == '-':
		return true
	}
	return false
}

func (n QueueName) String() string {
	return string(n)
}
