package querybroker

import (
	"encoding/binary"
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// NewQID generates a time-based query id whose node field carries the
// originator's IPv4 address, so the trailing segment of the id routes
// status and chunk fetches back to the broker shard that accepted the
// query.
func NewQID(hostIP net.IP) (string, error) {
	ip4 := hostIP.To4()
	if ip4 == nil {
		return "", errors.Errorf("not an IPv4 address: %s", hostIP)
	}
	u, err := uuid.NewUUID()
	if err != nil {
		return "", errors.Wrap(err, "uuid1")
	}
	u[10], u[11] = 0, 0
	copy(u[12:], ip4)
	return u.String(), nil
}

// IPFromQID recovers the originator IPv4 address from the trailing segment
// of a query id. It is the inverse of NewQID.
func IPFromQID(qid string) (net.IP, error) {
	idx := strings.LastIndex(qid, "-")
	if idx < 0 || idx == len(qid)-1 {
		return nil, errors.New("invalid query id")
	}
	node, err := strconv.ParseUint(qid[idx+1:], 16, 64)
	if err != nil {
		return nil, errors.Wrap(err, "invalid query id")
	}
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, uint32(node))
	return ip, nil
}
