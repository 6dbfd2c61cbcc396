//go:build cgo && rdmacm

package capi

import (
	"unsafe"
)

/*
#cgo LDFLAGS: -lrdmacm -libverbs
#include <stdlib.h>
#include <string.h>
#include <errno.h>
#include <netdb.h>
#include <rdma/rdma_cma.h>

static int go_rdma_resolve_addr(struct rdma_cm_id *id, const char *node, const char *service, int timeout_ms) {
	struct addrinfo hints;
	struct addrinfo *res = NULL;
	memset(&hints, 0, sizeof(hints));
	hints.ai_family = AF_UNSPEC;
	hints.ai_socktype = SOCK_STREAM;
	int rc = getaddrinfo(node, service, &hints, &res);
	if (rc != 0) {
		errno = (rc == EAI_SYSTEM) ? errno : EADDRNOTAVAIL;
		return -1;
	}
	rc = rdma_resolve_addr(id, NULL, res->ai_addr, timeout_ms);
	int saved = errno;
	freeaddrinfo(res);
	errno = saved;
	return rc;
}

static int go_rdma_connect(struct rdma_cm_id *id, const void *pdata, uint8_t pdata_len,
		uint8_t initiator_depth, uint8_t responder_resources, uint8_t retry_count, uint8_t rnr_retry_count) {
	struct rdma_conn_param param;
	memset(&param, 0, sizeof(param));
	param.private_data = pdata;
	param.private_data_len = pdata_len;
	param.initiator_depth = initiator_depth;
	param.responder_resources = responder_resources;
	param.retry_count = retry_count;
	param.rnr_retry_count = rnr_retry_count;
	return rdma_connect(id, &param);
}

static int go_rdma_create_qp(struct rdma_cm_id *id, struct ibv_pd *pd, struct ibv_cq *send_cq, struct ibv_cq *recv_cq,
		uint32_t max_send_wr, uint32_t max_recv_wr, uint32_t max_send_sge, uint32_t max_recv_sge, int sig_all) {
	struct ibv_qp_init_attr attr;
	memset(&attr, 0, sizeof(attr));
	attr.send_cq = send_cq;
	attr.recv_cq = recv_cq;
	attr.qp_type = IBV_QPT_RC;
	attr.cap.max_send_wr = max_send_wr;
	attr.cap.max_recv_wr = max_recv_wr;
	attr.cap.max_send_sge = max_send_sge;
	attr.cap.max_recv_sge = max_recv_sge;
	attr.sq_sig_all = sig_all;
	return rdma_create_qp(id, pd, &attr);
}

static const void *go_cm_event_private_data(struct rdma_cm_event *ev) {
	return ev->param.conn.private_data;
}

static uint8_t go_cm_event_private_data_len(struct rdma_cm_event *ev) {
	return ev->param.conn.private_data_len;
}
*/
import "C"

// CM event types mirrored from <rdma/rdma_cma.h>.
const (
	CMEventAddrResolved    = int(C.RDMA_CM_EVENT_ADDR_RESOLVED)
	CMEventAddrError       = int(C.RDMA_CM_EVENT_ADDR_ERROR)
	CMEventRouteResolved   = int(C.RDMA_CM_EVENT_ROUTE_RESOLVED)
	CMEventRouteError      = int(C.RDMA_CM_EVENT_ROUTE_ERROR)
	CMEventConnectRequest  = int(C.RDMA_CM_EVENT_CONNECT_REQUEST)
	CMEventConnectResponse = int(C.RDMA_CM_EVENT_CONNECT_RESPONSE)
	CMEventConnectError    = int(C.RDMA_CM_EVENT_CONNECT_ERROR)
	CMEventUnreachable     = int(C.RDMA_CM_EVENT_UNREACHABLE)
	CMEventRejected        = int(C.RDMA_CM_EVENT_REJECTED)
	CMEventEstablished     = int(C.RDMA_CM_EVENT_ESTABLISHED)
	CMEventDisconnected    = int(C.RDMA_CM_EVENT_DISCONNECTED)
	CMEventDeviceRemoval   = int(C.RDMA_CM_EVENT_DEVICE_REMOVAL)
	CMEventTimewaitExit    = int(C.RDMA_CM_EVENT_TIMEWAIT_EXIT)
)

// EventChannel wraps an rdma_event_channel.
type EventChannel struct {
	ptr *C.struct_rdma_event_channel
}

// CMID wraps an rdma_cm_id.
type CMID struct {
	ptr *C.struct_rdma_cm_id
}

// CMEvent wraps an rdma_cm_event awaiting acknowledgement.
type CMEvent struct {
	ptr *C.struct_rdma_cm_event
}

// CreateEventChannel opens a connection-management event channel.
func CreateEventChannel() (*EventChannel, error) {
	ch, err := C.rdma_create_event_channel()
	if ch == nil {
		return nil, ErrorFromErrno(-1, err, "rdma_create_event_channel")
	}
	return &EventChannel{ptr: ch}, nil
}

// Fd returns the channel's file descriptor.
func (c *EventChannel) Fd() int {
	if c == nil || c.ptr == nil {
		return -1
	}
	return int(c.ptr.fd)
}

// Destroy releases the channel.
func (c *EventChannel) Destroy() {
	if c == nil || c.ptr == nil {
		return
	}
	C.rdma_destroy_event_channel(c.ptr)
	c.ptr = nil
}

// CreateID allocates a reliable-connection (RDMA_PS_TCP) identifier.
func (c *EventChannel) CreateID() (*CMID, error) {
	if c == nil || c.ptr == nil {
		return nil, ErrInvalid.WithOp("rdma_create_id")
	}
	var id *C.struct_rdma_cm_id
	ret, err := C.rdma_create_id(c.ptr, &id, nil, C.RDMA_PS_TCP)
	if e := ErrorFromErrno(int(ret), err, "rdma_create_id"); e != nil {
		return nil, e
	}
	return &CMID{ptr: id}, nil
}

// GetEvent retrieves the next event. With the channel fd in non-blocking mode
// it returns ErrAgain when no event is pending.
func (c *EventChannel) GetEvent() (*CMEvent, error) {
	if c == nil || c.ptr == nil {
		return nil, ErrInvalid.WithOp("rdma_get_cm_event")
	}
	var ev *C.struct_rdma_cm_event
	ret, err := C.rdma_get_cm_event(c.ptr, &ev)
	if e := ErrorFromErrno(int(ret), err, "rdma_get_cm_event"); e != nil {
		return nil, e
	}
	return &CMEvent{ptr: ev}, nil
}

// Type returns the event's RDMA_CM_EVENT_* value.
func (e *CMEvent) Type() int { return int(e.ptr.event) }

// Status returns the event status, a negated errno on failure events.
func (e *CMEvent) Status() int { return int(e.ptr.status) }

// PrivateData copies the connect-time private data carried by the event.
func (e *CMEvent) PrivateData() []byte {
	n := C.go_cm_event_private_data_len(e.ptr)
	data := C.go_cm_event_private_data(e.ptr)
	if n == 0 || data == nil {
		return nil
	}
	return C.GoBytes(data, C.int(n))
}

// Ack releases the event.
func (e *CMEvent) Ack() error {
	if e == nil || e.ptr == nil {
		return ErrInvalid.WithOp("rdma_ack_cm_event")
	}
	ret, err := C.rdma_ack_cm_event(e.ptr)
	if ee := ErrorFromErrno(int(ret), err, "rdma_ack_cm_event"); ee != nil {
		return ee
	}
	e.ptr = nil
	return nil
}

// ResolveAddr resolves node:service through getaddrinfo and starts address
// resolution.
func (id *CMID) ResolveAddr(node, service string, timeoutMS int) error {
	cNode := C.CString(node)
	defer C.free(unsafe.Pointer(cNode))
	cService := C.CString(service)
	defer C.free(unsafe.Pointer(cService))
	ret, err := C.go_rdma_resolve_addr(id.ptr, cNode, cService, C.int(timeoutMS))
	return ErrorFromErrno(int(ret), err, "rdma_resolve_addr")
}

// ResolveRoute starts route resolution.
func (id *CMID) ResolveRoute(timeoutMS int) error {
	ret, err := C.rdma_resolve_route(id.ptr, C.int(timeoutMS))
	return ErrorFromErrno(int(ret), err, "rdma_resolve_route")
}

// Context returns the verbs context the identifier is bound to, or nil before
// address resolution.
func (id *CMID) Context() *Context {
	if id.ptr.verbs == nil {
		return nil
	}
	return &Context{ptr: id.ptr.verbs}
}

// CreateQP creates a reliable-connection queue pair on the identifier.
func (id *CMID) CreateQP(pd *PD, sendCQ, recvCQ *CQ, maxSendWR, maxRecvWR, maxSendSGE, maxRecvSGE int, signalAll bool) (*QP, error) {
	sig := C.int(0)
	if signalAll {
		sig = 1
	}
	ret, err := C.go_rdma_create_qp(id.ptr, pd.ptr, sendCQ.ptr, recvCQ.ptr,
		C.uint32_t(maxSendWR), C.uint32_t(maxRecvWR), C.uint32_t(maxSendSGE), C.uint32_t(maxRecvSGE), sig)
	if e := ErrorFromErrno(int(ret), err, "rdma_create_qp"); e != nil {
		return nil, e
	}
	return &QP{ptr: id.ptr.qp}, nil
}

// DestroyQP destroys the identifier's queue pair.
func (id *CMID) DestroyQP() {
	C.rdma_destroy_qp(id.ptr)
}

// Connect sends a connection request with the supplied private data.
func (id *CMID) Connect(privateData []byte, initiatorDepth, responderResources, retryCount, rnrRetryCount uint8) error {
	var pdata unsafe.Pointer
	if len(privateData) > 0 {
		pdata = C.CBytes(privateData)
		defer C.free(pdata)
	}
	ret, err := C.go_rdma_connect(id.ptr, pdata, C.uint8_t(len(privateData)),
		C.uint8_t(initiatorDepth), C.uint8_t(responderResources), C.uint8_t(retryCount), C.uint8_t(rnrRetryCount))
	return ErrorFromErrno(int(ret), err, "rdma_connect")
}

// Disconnect tears down the connection.
func (id *CMID) Disconnect() error {
	ret, err := C.rdma_disconnect(id.ptr)
	return ErrorFromErrno(int(ret), err, "rdma_disconnect")
}

// Destroy releases the identifier.
func (id *CMID) Destroy() error {
	if id == nil || id.ptr == nil {
		return nil
	}
	ret, err := C.rdma_destroy_id(id.ptr)
	if e := ErrorFromErrno(int(ret), err, "rdma_destroy_id"); e != nil {
		return e
	}
	id.ptr = nil
	return nil
}
