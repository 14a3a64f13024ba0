package groupkeys

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/groupkeys/client-go/internal/api"
	"github.com/groupkeys/client-go/internal/crypto"
)

// fakeServer is an in-memory key distribution service.
type fakeServer struct {
	*httptest.Server

	mu        sync.Mutex
	bundles   map[string]api.DeviceBundle           // user/device
	devices   map[string][]string                   // user -> device IDs
	members   map[string][]string                   // group -> user IDs
	epochs    map[string]uint64                     // group -> epoch
	envelopes map[string]map[string]api.KeyUpdate   // group/epoch/device -> sender -> update
	queues    map[string][]api.KeyUpdate            // device -> queued updates
	nextID    int

	bundleUploads int
	failRegister  int            // remaining POST /api/devices failures
	failBundle    map[string]int // user/device -> remaining bundle fetch failures
	failUpload    int            // remaining sender key upload failures
	advanceTo     *uint64        // forced result of the next epoch advance
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()

	f := &fakeServer{
		bundles:    make(map[string]api.DeviceBundle),
		devices:    make(map[string][]string),
		members:    make(map[string][]string),
		epochs:     make(map[string]uint64),
		envelopes:  make(map[string]map[string]api.KeyUpdate),
		queues:     make(map[string][]api.KeyUpdate),
		failBundle: make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/devices", f.uploadBundle)
	mux.HandleFunc("GET /api/users/{user}/devices/{device}/bundle", f.getBundle)
	mux.HandleFunc("GET /api/users/{user}/devices", f.listDevices)
	mux.HandleFunc("GET /api/groups/{group}/members", f.groupMembers)
	mux.HandleFunc("POST /api/groups/{group}/epoch", f.initEpoch)
	mux.HandleFunc("GET /api/groups/{group}/epoch", f.getEpoch)
	mux.HandleFunc("POST /api/groups/{group}/epoch/advance", f.advanceEpoch)
	mux.HandleFunc("POST /api/groups/{group}/epochs/{epoch}/sender-keys", f.uploadSenderKeys)
	mux.HandleFunc("GET /api/groups/{group}/epochs/{epoch}/sender-keys/{device}", f.fetchSenderKeys)
	mux.HandleFunc("GET /api/devices/{device}/queue", f.fetchQueue)
	mux.HandleFunc("POST /api/devices/{device}/queue/ack", f.ackQueue)
	mux.HandleFunc("POST /api/safety-number", f.safetyNumber)

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// newDevice creates and registers a client without background delivery.
func (f *fakeServer) newDevice(t *testing.T, userID, deviceID string, opts ...Option) *Client {
	t.Helper()
	c := f.newClient(t, userID, deviceID, opts...)
	require.NoError(t, c.Register(context.Background()))
	return c
}

func (f *fakeServer) newClient(t *testing.T, userID, deviceID string, opts ...Option) *Client {
	t.Helper()
	base := []Option{
		WithBaseURL(f.URL),
		WithDeliveryStrategy(StrategyNone),
		WithOutboxRetryInterval(0),
		WithLogger(quietLogger()),
	}
	c, err := New(context.Background(), userID, deviceID, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func (f *fakeServer) setMembers(groupID string, users ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[groupID] = users
}

func (f *fakeServer) queueLen(deviceID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queues[deviceID])
}

func (f *fakeServer) uploads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bundleUploads
}

func (f *fakeServer) hasBundle(userID, deviceID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.bundles[userID+"/"+deviceID]
	return ok
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func epochParam(r *http.Request) uint64 {
	e, _ := strconv.ParseUint(r.PathValue("epoch"), 10, 64)
	return e
}

func (f *fakeServer) uploadBundle(w http.ResponseWriter, r *http.Request) {
	var b api.DeviceBundle
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRegister > 0 {
		f.failRegister--
		writeError(w, http.StatusServiceUnavailable, "registry down")
		return
	}
	f.bundleUploads++
	key := b.UserID + "/" + b.DeviceID
	if _, ok := f.bundles[key]; !ok {
		f.devices[b.UserID] = append(f.devices[b.UserID], b.DeviceID)
	}
	f.bundles[key] = b
	writeJSON(w, http.StatusCreated, b)
}

func (f *fakeServer) getBundle(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("user") + "/" + r.PathValue("device")

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failBundle[key] > 0 {
		f.failBundle[key]--
		writeError(w, http.StatusServiceUnavailable, "bundle store down")
		return
	}
	b, ok := f.bundles[key]
	if !ok {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (f *fakeServer) listDevices(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user")

	f.mu.Lock()
	defer f.mu.Unlock()
	writeJSON(w, http.StatusOK, api.DeviceList{UserID: user, Devices: slices.Clone(f.devices[user])})
}

func (f *fakeServer) groupMembers(w http.ResponseWriter, r *http.Request) {
	group := r.PathValue("group")

	f.mu.Lock()
	defer f.mu.Unlock()
	members, ok := f.members[group]
	if !ok {
		writeError(w, http.StatusNotFound, "group not found")
		return
	}
	writeJSON(w, http.StatusOK, api.GroupMembers{GroupID: group, Members: slices.Clone(members)})
}

func (f *fakeServer) initEpoch(w http.ResponseWriter, r *http.Request) {
	group := r.PathValue("group")

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.epochs[group]; ok {
		writeError(w, http.StatusConflict, "group already initialized")
		return
	}
	f.epochs[group] = 0
	writeJSON(w, http.StatusCreated, api.EpochState{GroupID: group, Epoch: 0})
}

func (f *fakeServer) getEpoch(w http.ResponseWriter, r *http.Request) {
	group := r.PathValue("group")

	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.epochs[group]
	if !ok {
		writeError(w, http.StatusNotFound, "no epoch")
		return
	}
	writeJSON(w, http.StatusOK, api.EpochState{GroupID: group, Epoch: e})
}

func (f *fakeServer) advanceEpoch(w http.ResponseWriter, r *http.Request) {
	group := r.PathValue("group")
	var req api.AdvanceEpochRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.epochs[group]
	if !ok {
		writeError(w, http.StatusNotFound, "no epoch")
		return
	}
	if f.advanceTo != nil {
		e = *f.advanceTo
		f.advanceTo = nil
	} else {
		e++
	}
	f.epochs[group] = e
	writeJSON(w, http.StatusOK, api.EpochState{GroupID: group, Epoch: e, Reason: req.Reason})
}

func (f *fakeServer) uploadSenderKeys(w http.ResponseWriter, r *http.Request) {
	group, epoch := r.PathValue("group"), epochParam(r)
	var req api.UploadSenderKeysRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpload > 0 {
		f.failUpload--
		writeError(w, http.StatusServiceUnavailable, "upload failed")
		return
	}

	for _, env := range req.Envelopes {
		f.nextID++
		u := api.KeyUpdate{
			ID:                fmt.Sprintf("u%d", f.nextID),
			GroupID:           group,
			Epoch:             epoch,
			SenderUserID:      req.SenderUserID,
			SenderDeviceID:    req.SenderDeviceID,
			RecipientUserID:   env.RecipientUserID,
			RecipientDeviceID: env.RecipientDeviceID,
			Envelope:          env.Envelope,
		}
		slot := fmt.Sprintf("%s/%d/%s", group, epoch, env.RecipientDeviceID)
		if f.envelopes[slot] == nil {
			f.envelopes[slot] = make(map[string]api.KeyUpdate)
		}
		f.envelopes[slot][req.SenderUserID+"/"+req.SenderDeviceID] = u
		f.queues[env.RecipientDeviceID] = append(f.queues[env.RecipientDeviceID], u)
	}
	writeJSON(w, http.StatusOK, api.UploadSenderKeysResponse{Stored: len(req.Envelopes)})
}

func (f *fakeServer) fetchSenderKeys(w http.ResponseWriter, r *http.Request) {
	slot := fmt.Sprintf("%s/%d/%s", r.PathValue("group"), epochParam(r), r.PathValue("device"))

	f.mu.Lock()
	defer f.mu.Unlock()
	bySender := f.envelopes[slot]
	if len(bySender) == 0 {
		writeError(w, http.StatusNotFound, "no sender keys")
		return
	}
	var list api.KeyUpdateList
	for _, u := range bySender {
		list.Updates = append(list.Updates, u)
	}
	writeJSON(w, http.StatusOK, list)
}

func (f *fakeServer) fetchQueue(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	writeJSON(w, http.StatusOK, api.KeyUpdateList{Updates: slices.Clone(f.queues[r.PathValue("device")])})
}

func (f *fakeServer) ackQueue(w http.ResponseWriter, r *http.Request) {
	device := r.PathValue("device")
	var req api.AckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[device] = slices.DeleteFunc(f.queues[device], func(u api.KeyUpdate) bool {
		return slices.Contains(req.IDs, u.ID)
	})
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeServer) safetyNumber(w http.ResponseWriter, r *http.Request) {
	var req api.SafetyNumberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	number, err := crypto.SafetyNumber(req.KeyA, req.KeyB)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, api.SafetyNumberResponse{SafetyNumber: number})
}

// hasKey reports whether c holds a sender key from any sender for
// (group, epoch).
func hasKey(t *testing.T, c *Client, groupID string, epoch uint64) bool {
	t.Helper()
	var n int
	err := c.queue.submit(context.Background(), func() error {
		records, err := c.keys.senderKeys(groupID, epoch)
		n = len(records)
		return err
	})
	require.NoError(t, err)
	return n > 0
}
