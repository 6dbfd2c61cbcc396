//go:build cgo && rdmacm

package capi

import (
	"unsafe"
)

/*
#cgo LDFLAGS: -libverbs
#include <stdlib.h>
#include <string.h>
#include <infiniband/verbs.h>

static int go_ibv_req_notify_cq(struct ibv_cq *cq) {
	return ibv_req_notify_cq(cq, 0);
}

static int go_ibv_poll_cq(struct ibv_cq *cq, int n, struct ibv_wc *wc) {
	return ibv_poll_cq(cq, n, wc);
}

static int go_ibv_post_send(struct ibv_qp *qp, uint64_t wr_id, int opcode, void *addr, uint32_t length,
		uint32_t lkey, int signaled, uint64_t remote_addr, uint32_t rkey) {
	struct ibv_sge sge;
	struct ibv_send_wr wr;
	struct ibv_send_wr *bad = NULL;
	memset(&sge, 0, sizeof(sge));
	memset(&wr, 0, sizeof(wr));
	sge.addr = (uintptr_t)addr;
	sge.length = length;
	sge.lkey = lkey;
	wr.wr_id = wr_id;
	wr.sg_list = &sge;
	wr.num_sge = 1;
	wr.opcode = opcode;
	if (signaled) {
		wr.send_flags = IBV_SEND_SIGNALED;
	}
	if (opcode == IBV_WR_RDMA_WRITE) {
		wr.wr.rdma.remote_addr = remote_addr;
		wr.wr.rdma.rkey = rkey;
	}
	return ibv_post_send(qp, &wr, &bad);
}

static int go_ibv_post_recv(struct ibv_qp *qp, uint64_t wr_id, void *addr, uint32_t length, uint32_t lkey) {
	struct ibv_sge sge;
	struct ibv_recv_wr wr;
	struct ibv_recv_wr *bad = NULL;
	memset(&sge, 0, sizeof(sge));
	memset(&wr, 0, sizeof(wr));
	sge.addr = (uintptr_t)addr;
	sge.length = length;
	sge.lkey = lkey;
	wr.wr_id = wr_id;
	wr.sg_list = &sge;
	wr.num_sge = 1;
	return ibv_post_recv(qp, &wr, &bad);
}
*/
import "C"

// Work request opcodes mirrored from <infiniband/verbs.h>.
const (
	WROpSend       = int(C.IBV_WR_SEND)
	WROpRDMAWrite  = int(C.IBV_WR_RDMA_WRITE)
	WCOpSend       = int(C.IBV_WC_SEND)
	WCOpRDMAWrite  = int(C.IBV_WC_RDMA_WRITE)
	WCOpRecv       = int(C.IBV_WC_RECV)
	AccessLocal    = int(C.IBV_ACCESS_LOCAL_WRITE)
	AccessRemoteWr = int(C.IBV_ACCESS_REMOTE_WRITE)
	AccessRemoteRd = int(C.IBV_ACCESS_REMOTE_READ)
)

// Work completion statuses mirrored from <infiniband/verbs.h>.
const (
	WCSuccess        = int(C.IBV_WC_SUCCESS)
	WCLocLenErr      = int(C.IBV_WC_LOC_LEN_ERR)
	WCLocQPOpErr     = int(C.IBV_WC_LOC_QP_OP_ERR)
	WCLocProtErr     = int(C.IBV_WC_LOC_PROT_ERR)
	WCFlushErr       = int(C.IBV_WC_WR_FLUSH_ERR)
	WCRemInvReqErr   = int(C.IBV_WC_REM_INV_REQ_ERR)
	WCRemAccessErr   = int(C.IBV_WC_REM_ACCESS_ERR)
	WCRemOpErr       = int(C.IBV_WC_REM_OP_ERR)
	WCRetryExcErr    = int(C.IBV_WC_RETRY_EXC_ERR)
	WCRNRRetryExcErr = int(C.IBV_WC_RNR_RETRY_EXC_ERR)
)

// Context wraps an ibv_context owned by a connection identifier.
type Context struct {
	ptr *C.struct_ibv_context
}

// DeviceName returns the verbs device name.
func (c *Context) DeviceName() string {
	return C.GoString(C.ibv_get_device_name(c.ptr.device))
}

// PD wraps an ibv_pd.
type PD struct {
	ptr *C.struct_ibv_pd
}

// AllocPD allocates a protection domain.
func (c *Context) AllocPD() (*PD, error) {
	pd, err := C.ibv_alloc_pd(c.ptr)
	if pd == nil {
		return nil, ErrorFromErrno(-1, err, "ibv_alloc_pd")
	}
	return &PD{ptr: pd}, nil
}

// Dealloc releases the protection domain.
func (p *PD) Dealloc() error {
	return ErrorFromStatus(int(C.ibv_dealloc_pd(p.ptr)), "ibv_dealloc_pd")
}

// CompChannel wraps an ibv_comp_channel.
type CompChannel struct {
	ptr *C.struct_ibv_comp_channel
}

// CreateCompChannel creates a completion channel.
func (c *Context) CreateCompChannel() (*CompChannel, error) {
	ch, err := C.ibv_create_comp_channel(c.ptr)
	if ch == nil {
		return nil, ErrorFromErrno(-1, err, "ibv_create_comp_channel")
	}
	return &CompChannel{ptr: ch}, nil
}

// Fd returns the channel's file descriptor.
func (ch *CompChannel) Fd() int { return int(ch.ptr.fd) }

// Destroy releases the completion channel.
func (ch *CompChannel) Destroy() error {
	return ErrorFromStatus(int(C.ibv_destroy_comp_channel(ch.ptr)), "ibv_destroy_comp_channel")
}

// CQ wraps an ibv_cq.
type CQ struct {
	ptr *C.struct_ibv_cq
}

// CreateCQ creates a completion queue bound to the channel.
func (ch *CompChannel) CreateCQ(ctx *Context, depth int) (*CQ, error) {
	cq, err := C.ibv_create_cq(ctx.ptr, C.int(depth), nil, ch.ptr, 0)
	if cq == nil {
		return nil, ErrorFromErrno(-1, err, "ibv_create_cq")
	}
	return &CQ{ptr: cq}, nil
}

// GetCQEvent retrieves the next completion notification. With the channel fd
// in non-blocking mode it returns ErrAgain when none is pending. The returned
// handle identifies which queue fired.
func (ch *CompChannel) GetCQEvent() (unsafe.Pointer, error) {
	var cq *C.struct_ibv_cq
	var cqCtx unsafe.Pointer
	ret, err := C.ibv_get_cq_event(ch.ptr, &cq, &cqCtx)
	if e := ErrorFromErrno(int(ret), err, "ibv_get_cq_event"); e != nil {
		return nil, e
	}
	return unsafe.Pointer(cq), nil
}

// Handle identifies the queue for matching GetCQEvent results.
func (q *CQ) Handle() unsafe.Pointer { return unsafe.Pointer(q.ptr) }

// RequestNotify arms the next completion notification.
func (q *CQ) RequestNotify() error {
	return ErrorFromStatus(int(C.go_ibv_req_notify_cq(q.ptr)), "ibv_req_notify_cq")
}

// AckEvents acknowledges n notifications.
func (q *CQ) AckEvents(n int) {
	if n <= 0 {
		return
	}
	C.ibv_ack_cq_events(q.ptr, C.uint(n))
}

// Destroy releases the queue.
func (q *CQ) Destroy() error {
	return ErrorFromStatus(int(C.ibv_destroy_cq(q.ptr)), "ibv_destroy_cq")
}

// WorkCompletion is a Go copy of an ibv_wc.
type WorkCompletion struct {
	ID        uint64
	Status    int
	Opcode    int
	ByteLen   uint32
	VendorErr uint32
}

// Poll moves up to len(out) completions into out.
func (q *CQ) Poll(out []WorkCompletion) (int, error) {
	if len(out) == 0 {
		return 0, nil
	}
	wc := make([]C.struct_ibv_wc, len(out))
	n := int(C.go_ibv_poll_cq(q.ptr, C.int(len(out)), &wc[0]))
	if n < 0 {
		return 0, ErrorFromStatus(n, "ibv_poll_cq")
	}
	for i := 0; i < n; i++ {
		out[i] = WorkCompletion{
			ID:        uint64(wc[i].wr_id),
			Status:    int(wc[i].status),
			Opcode:    int(wc[i].opcode),
			ByteLen:   uint32(wc[i].byte_len),
			VendorErr: uint32(wc[i].vendor_err),
		}
	}
	return n, nil
}

// MR wraps an ibv_mr.
type MR struct {
	ptr *C.struct_ibv_mr
}

// RegisterMemory registers length bytes at buf, which must be C memory.
func (p *PD) RegisterMemory(buf unsafe.Pointer, length uintptr, access int) (*MR, error) {
	if buf == nil || length == 0 {
		return nil, ErrInvalid.WithOp("ibv_reg_mr")
	}
	mr, err := C.ibv_reg_mr(p.ptr, buf, C.size_t(length), C.int(access))
	if mr == nil {
		return nil, ErrorFromErrno(-1, err, "ibv_reg_mr")
	}
	return &MR{ptr: mr}, nil
}

// LKey returns the local key.
func (m *MR) LKey() uint32 { return uint32(m.ptr.lkey) }

// RKey returns the remote key.
func (m *MR) RKey() uint32 { return uint32(m.ptr.rkey) }

// Addr returns the registered start address.
func (m *MR) Addr() uint64 { return uint64(uintptr(m.ptr.addr)) }

// Dereg deregisters the region.
func (m *MR) Dereg() error {
	return ErrorFromStatus(int(C.ibv_dereg_mr(m.ptr)), "ibv_dereg_mr")
}

// QP wraps the ibv_qp created through rdma_create_qp.
type QP struct {
	ptr *C.struct_ibv_qp
}

// PostSend posts a single-SGE send or RDMA write.
func (qp *QP) PostSend(id uint64, opcode int, addr unsafe.Pointer, length uint32, lkey uint32, signaled bool, remoteAddr uint64, rkey uint32) error {
	sig := C.int(0)
	if signaled {
		sig = 1
	}
	rc := C.go_ibv_post_send(qp.ptr, C.uint64_t(id), C.int(opcode), addr, C.uint32_t(length),
		C.uint32_t(lkey), sig, C.uint64_t(remoteAddr), C.uint32_t(rkey))
	return ErrorFromStatus(int(rc), "ibv_post_send")
}

// PostRecv posts a single-SGE receive.
func (qp *QP) PostRecv(id uint64, addr unsafe.Pointer, length uint32, lkey uint32) error {
	rc := C.go_ibv_post_recv(qp.ptr, C.uint64_t(id), addr, C.uint32_t(length), C.uint32_t(lkey))
	return ErrorFromStatus(int(rc), "ibv_post_recv")
}
