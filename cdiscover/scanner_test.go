package cdiscover_test

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/collie-robotics/collie/cdiscover"
	"github.com/collie-robotics/collie/internal/ctest"
)

// fakeRobot answers discovery queries on a loopback UDP socket the
// way firmware on the robot's segment would.
type fakeRobot struct {
	conn    *net.UDPConn
	answers []map[string]string
}

// startFakeRobot listens on an ephemeral loopback port and answers
// every well-formed query with each configured answer datagram.
func startFakeRobot(t *testing.T, answerPort int, answers ...map[string]string) *fakeRobot {
	t.Helper()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	r := &fakeRobot{conn: conn, answers: answers}

	go func() {
		buf := make([]byte, 2048)
		dst := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: answerPort}
		for {
			n, _, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}

			var q struct {
				Name string `json:"name"`
			}
			if json.Unmarshal(buf[:n], &q) != nil || q.Name != "unitree_dapengche" {
				continue
			}

			for _, a := range r.answers {
				b, err := json.Marshal(a)
				if err != nil {
					panic(err)
				}
				if _, err := conn.WriteToUDP(b, dst); err != nil {
					return
				}
			}
		}
	}()

	return r
}

func (r *fakeRobot) Port() int {
	return r.conn.LocalAddr().(*net.UDPAddr).Port
}

// freeUDPPort reserves an ephemeral port and releases it for the
// scanner to claim.
func freeUDPPort(t *testing.T) int {
	t.Helper()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, conn.Close())
	return port
}

// loopbackScanner builds a scanner whose "group" is the fake robot's
// loopback address. The group join fails on every interface, which
// the scanner tolerates since answers arrive as unicast.
func loopbackScanner(t *testing.T, robotPort, listenPort int, window time.Duration) *cdiscover.Scanner {
	t.Helper()

	return cdiscover.NewScanner(cdiscover.ScannerConfig{
		Log:           ctest.NewLogger(t),
		Group:         net.IPv4(127, 0, 0, 1),
		QueryPort:     robotPort,
		ListenPort:    listenPort,
		Window:        window,
		QueryInterval: 50 * time.Millisecond,
	})
}

func TestScanner_findReturnsEarly(t *testing.T) {
	t.Parallel()

	listenPort := freeUDPPort(t)
	robot := startFakeRobot(t, listenPort,
		map[string]string{"sn": "B42D2000XXXXXXXX", "ip": "127.0.0.1"},
	)

	// The window is generous; an early return keeps the test fast.
	s := loopbackScanner(t, robot.Port(), listenPort, ctest.ScaleMs*time.Millisecond)

	start := time.Now()
	found, err := s.Find(context.Background(), "B42D2000XXXXXXXX")
	require.NoError(t, err)
	require.Equal(t, "B42D2000XXXXXXXX", found.Serial)
	require.Equal(t, "127.0.0.1", found.IP)
	require.Less(t, time.Since(start), ctest.ScaleMs*time.Millisecond/2)
}

func TestScanner_findNotFound(t *testing.T) {
	t.Parallel()

	listenPort := freeUDPPort(t)
	robot := startFakeRobot(t, listenPort,
		map[string]string{"sn": "B42D2000OTHERBOT", "ip": "127.0.0.1"},
	)

	s := loopbackScanner(t, robot.Port(), listenPort, 250*time.Millisecond)

	_, err := s.Find(context.Background(), "B42D2000WANTED00")
	require.ErrorIs(t, err, cdiscover.ErrNotFound)
}

func TestScanner_scanDedupsBySerial(t *testing.T) {
	t.Parallel()

	listenPort := freeUDPPort(t)
	robot := startFakeRobot(t, listenPort,
		map[string]string{"sn": "B42D2000AAAAAAAA", "ip": "127.0.0.1"},
		map[string]string{"sn": "B42D2000BBBBBBBB", "ip": "127.0.0.1"},
		// Repeated announcement of the first robot.
		map[string]string{"sn": "B42D2000AAAAAAAA", "ip": "127.0.0.1"},
	)

	s := loopbackScanner(t, robot.Port(), listenPort, 300*time.Millisecond)

	robots, err := s.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, robots, 2)

	serials := map[string]bool{}
	for _, r := range robots {
		serials[r.Serial] = true
	}
	require.True(t, serials["B42D2000AAAAAAAA"])
	require.True(t, serials["B42D2000BBBBBBBB"])
}

func TestScanner_fillsMissingIPFromSender(t *testing.T) {
	t.Parallel()

	listenPort := freeUDPPort(t)
	robot := startFakeRobot(t, listenPort,
		map[string]string{"sn": "B42D2000NOIPHERE"},
	)

	s := loopbackScanner(t, robot.Port(), listenPort, ctest.ScaleMs*time.Millisecond)

	found, err := s.Find(context.Background(), "B42D2000NOIPHERE")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", found.IP)
}

func TestScanner_ignoresMalformedAnswers(t *testing.T) {
	t.Parallel()

	listenPort := freeUDPPort(t)
	robot := startFakeRobot(t, listenPort,
		map[string]string{"unexpected": "shape"},
		map[string]string{"sn": "B42D2000GOODBOT0", "ip": "127.0.0.1"},
	)

	s := loopbackScanner(t, robot.Port(), listenPort, ctest.ScaleMs*time.Millisecond)

	found, err := s.Find(context.Background(), "B42D2000GOODBOT0")
	require.NoError(t, err)
	require.Equal(t, "B42D2000GOODBOT0", found.Serial)
}

func TestScanner_contextCancellation(t *testing.T) {
	t.Parallel()

	listenPort := freeUDPPort(t)
	robot := startFakeRobot(t, listenPort)

	s := loopbackScanner(t, robot.Port(), listenPort, ctest.ScaleMs*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A canceled context closes the window immediately; that is a
	// normal empty scan, not an error.
	robots, err := s.Scan(ctx)
	require.NoError(t, err)
	require.Empty(t, robots)
}
