package e2e

import (
	"io"
	"net"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/macsnoeren/gms-diode/internal/envelope"
)

const settleDelay = 200 * time.Millisecond

var _ = Describe("GMS diode pipeline", func() {
	var top *topology

	AfterEach(func() {
		if top != nil {
			top.stop()
			top = nil
		}
	})

	// E1: a single plain instruction round-trips front-end -> S -> diode ->
	// C -> guacd unchanged.
	It("delivers a single instruction from the front-end to guacd", func() {
		top = startTopology()

		front := dialFrontend(top)
		defer front.Close()

		_, err := front.Write([]byte("5.mouse,1.0,3.100,3.200;"))
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() net.Conn { return top.guacd() }, 2*time.Second, 20*time.Millisecond).ShouldNot(BeNil())

		got := readAvailable(top.guacd(), 2*time.Second)
		Expect(string(got)).To(Equal("5.mouse,1.0,3.100,3.200;"))
	})

	// E4: GMS_START for a session C has never seen must not open a guacd
	// connection. Injected straight at Ship-in on the forward path so it
	// reaches C without S ever having issued a matching GMS_NEW.
	It("does not open a guacd connection for an unknown session id", func() {
		top = startTopology()

		udpConn, err := net.Dial("udp", top.ShipInFwdAddr)
		Expect(err).NotTo(HaveOccurred())
		defer udpConn.Close()

		const unknownID = "DEADBEEF00000000"
		var datagram []byte
		datagram = append(datagram, envelope.Encode(envelope.Start, unknownID)...)
		datagram = append(datagram, []byte("4.ping;")...)
		datagram = append(datagram, envelope.Encode(envelope.End, unknownID)...)

		_, err = udpConn.Write(datagram)
		Expect(err).NotTo(HaveOccurred())

		Consistently(func() int { return top.guacdConnCount() }, settleDelay*3, 20*time.Millisecond).Should(Equal(0))
	})

	// E5: two concurrent front-end sessions get independent guacd
	// connections, each receiving only its own bytes in order, never the
	// other session's.
	It("keeps concurrent sessions from interleaving", func() {
		top = startTopology()

		frontA := dialFrontend(top)
		defer frontA.Close()
		_, err := frontA.Write([]byte("6.sessA1;"))
		Expect(err).NotTo(HaveOccurred())
		Eventually(func() int { return top.guacdConnCount() }, 2*time.Second, 20*time.Millisecond).Should(BeNumerically(">=", 1))
		guacdA := top.guacdConnAt(0)
		Expect(string(readAvailable(guacdA, 1*time.Second))).To(Equal("6.sessA1;"))

		frontB := dialFrontend(top)
		defer frontB.Close()
		_, err = frontB.Write([]byte("6.sessB1;"))
		Expect(err).NotTo(HaveOccurred())
		Eventually(func() int { return top.guacdConnCount() }, 2*time.Second, 20*time.Millisecond).Should(BeNumerically(">=", 2))
		guacdB := top.guacdConnAt(1)
		Expect(string(readAvailable(guacdB, 1*time.Second))).To(Equal("6.sessB1;"))

		_, err = frontA.Write([]byte("6.sessA2;"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(readAvailable(guacdA, 1*time.Second))).To(Equal("6.sessA2;"))

		_, err = frontB.Write([]byte("6.sessB2;"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(readAvailable(guacdB, 1*time.Second))).To(Equal("6.sessB2;"))
	})

	// E6: closing the front-end connection eventually closes the
	// corresponding guacd connection. This checks only the guacd close; the
	// single-GMS_CLOSE property is covered by the teardown unit tests in
	// internal/servermux and internal/clientmux.
	It("tears a session down cleanly when the front-end disconnects", func() {
		top = startTopology()

		front := dialFrontend(top)
		_, err := front.Write([]byte("4.ping;"))
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() net.Conn { return top.guacd() }, 2*time.Second, 20*time.Millisecond).ShouldNot(BeNil())
		_ = readAvailable(top.guacd(), 500*time.Millisecond)

		front.Close()

		Eventually(func() bool {
			conn := top.guacd()
			if conn == nil {
				return false
			}
			conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
			buf := make([]byte, 1)
			_, err := conn.Read(buf)
			return err == io.EOF
		}, 3*time.Second, 50*time.Millisecond).Should(BeTrue())
	})
})
