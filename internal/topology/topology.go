// Package topology provides the hardware topology facts sabo's core
// consumes: num_sockets, num_cores_per_socket, and the
// (socket_id, local_core_index) -> os_core_id mapping. Discovery
// itself is an external collaborator per spec.md §1 ("Hardware
// topology discovery ... provides num_sockets, num_cores_per_socket,
// and a mapping"); this package supplies a concrete, idiomatic
// implementation of that collaborator so the module is runnable,
// grounded on the teacher's internal/runtime/numa Topology discovery
// (discoverNodes/measureDistances) and, for the mapping table, on
// common/topo.c's topo_get_socket_core_id pre-computation.
package topology

import (
	"bufio"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/bullsequana/sabo/internal/config"
	"github.com/bullsequana/sabo/internal/logx"
)

// Topology is the interface the core package consumes. It is
// intentionally minimal: sabo never needs inter-socket distances or
// memory information, only capacity and the core-id mapping.
type Topology interface {
	// NumSockets returns S, the number of NUMA sockets/packages.
	NumSockets() int

	// NumCoresPerSocket returns C_s, identical on every socket
	// (invariant vi of spec.md §3: heterogeneous sockets are rejected
	// at discovery time, never surfaced here).
	NumCoresPerSocket() int

	// SocketCoreID maps a (socket, local core index) pair to the OS
	// core id the binding primitive pins threads to.
	SocketCoreID(socketID, localCoreIndex int) int
}

// Static is a fully precomputed topology table.
type Static struct {
	numSockets        int
	numCoresPerSocket int
	coreIDBySocket    [][]int
}

// NewStatic validates and builds a Static topology. It rejects
// heterogeneous per-socket core counts per invariant (vi).
func NewStatic(coreIDBySocket [][]int) (*Static, error) {
	if len(coreIDBySocket) == 0 {
		return nil, fmt.Errorf("topology: no sockets discovered")
	}

	numCoresPerSocket := len(coreIDBySocket[0])
	if numCoresPerSocket < 2 {
		return nil, fmt.Errorf("sabo needs at least two cores per socket (%d)", numCoresPerSocket)
	}

	for i, cores := range coreIDBySocket {
		if len(cores) != numCoresPerSocket {
			return nil, fmt.Errorf("topology: different num cores per socket detected (socket 0: %d, socket %d: %d)",
				numCoresPerSocket, i, len(cores))
		}
	}

	return &Static{
		numSockets:        len(coreIDBySocket),
		numCoresPerSocket: numCoresPerSocket,
		coreIDBySocket:    coreIDBySocket,
	}, nil
}

func (s *Static) NumSockets() int        { return s.numSockets }
func (s *Static) NumCoresPerSocket() int { return s.numCoresPerSocket }

func (s *Static) SocketCoreID(socketID, localCoreIndex int) int {
	return s.coreIDBySocket[socketID][localCoreIndex]
}

// Discover builds a Topology using cfg.HwlocXMLFile when set, falling
// back to OS-reported NUMA node layout (Linux's
// /sys/devices/system/node) and finally to a single-socket topology
// covering every logical CPU when neither is available.
func Discover(cfg *config.Config, log *logx.Logger) (Topology, error) {
	if cfg.HwlocXMLFile != "" {
		log.Debug(logx.Topo, "loading topology from %s", cfg.HwlocXMLFile)
		return FromXMLFile(cfg.HwlocXMLFile)
	}

	if t, err := discoverSysfsNodes(); err == nil {
		log.Debug(logx.Topo, "detected %d socket(s) from sysfs", t.NumSockets())
		return t, nil
	}

	log.Debug(logx.Topo, "falling back to single-socket topology (%d cpu(s))", runtime.NumCPU())
	return singleSocketFallback()
}

func singleSocketFallback() (*Static, error) {
	n := runtime.NumCPU()
	if n < 2 {
		n = 2
	}

	cores := make([]int, n)
	for i := range cores {
		cores[i] = i
	}

	return NewStatic([][]int{cores})
}

// discoverSysfsNodes treats each Linux NUMA node under
// /sys/devices/system/node as one socket, parsing its cpulist file
// (e.g. "0-7,16-23") the same way the original discovers packages via
// hwloc's HWLOC_OBJ_PACKAGE objects, but sourced directly from the
// kernel's own topology export instead of linking libhwloc.
func discoverSysfsNodes() (*Static, error) {
	const nodeRoot = "/sys/devices/system/node"

	entries, err := os.ReadDir(nodeRoot)
	if err != nil {
		return nil, err
	}

	var nodeDirs []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "node") {
			if _, err := strconv.Atoi(strings.TrimPrefix(e.Name(), "node")); err == nil {
				nodeDirs = append(nodeDirs, e.Name())
			}
		}
	}

	if len(nodeDirs) == 0 {
		return nil, fmt.Errorf("topology: no NUMA node directories under %s", nodeRoot)
	}

	sort.Strings(nodeDirs)

	coreIDBySocket := make([][]int, 0, len(nodeDirs))
	for _, dir := range nodeDirs {
		cores, err := parseCPUList(filepath.Join(nodeRoot, dir, "cpulist"))
		if err != nil {
			return nil, err
		}

		coreIDBySocket = append(coreIDBySocket, cores)
	}

	return NewStatic(coreIDBySocket)
}

func parseCPUList(path string) ([]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return nil, fmt.Errorf("topology: empty cpulist %s", path)
	}

	var cores []int
	for _, part := range strings.Split(strings.TrimSpace(scanner.Text()), ",") {
		if part == "" {
			continue
		}

		if lo, hi, ok := strings.Cut(part, "-"); ok {
			loN, err1 := strconv.Atoi(lo)
			hiN, err2 := strconv.Atoi(hi)
			if err1 != nil || err2 != nil {
				return nil, fmt.Errorf("topology: invalid cpulist range %q", part)
			}

			for c := loN; c <= hiN; c++ {
				cores = append(cores, c)
			}
		} else {
			n, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("topology: invalid cpulist entry %q", part)
			}

			cores = append(cores, n)
		}
	}

	return cores, nil
}

// xmlTopology is a minimal, sabo-specific subset of the information a
// full hwloc XML export carries — just enough for SABO_HWLOC_FILENAME
// overrides in tests and offline tuning, not a general hwloc XML
// parser (see DESIGN.md).
type xmlTopology struct {
	XMLName xml.Name    `xml:"topology"`
	Sockets []xmlSocket `xml:"socket"`
}

type xmlSocket struct {
	ID    int        `xml:"id,attr"`
	Cores []xmlCore  `xml:"core"`
}

type xmlCore struct {
	Local int `xml:"local,attr"`
	OSID  int `xml:"os_id,attr"`
}

// FromXMLFile loads a topology description from the path named by
// SABO_HWLOC_FILENAME.
func FromXMLFile(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("topology: %w", err)
	}

	var doc xmlTopology
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("topology: invalid hwloc xml %s: %w", path, err)
	}

	sort.Slice(doc.Sockets, func(i, j int) bool { return doc.Sockets[i].ID < doc.Sockets[j].ID })

	coreIDBySocket := make([][]int, len(doc.Sockets))
	for i, sock := range doc.Sockets {
		cores := make([]xmlCore, len(sock.Cores))
		copy(cores, sock.Cores)
		sort.Slice(cores, func(a, b int) bool { return cores[a].Local < cores[b].Local })

		ids := make([]int, len(cores))
		for j, c := range cores {
			ids[j] = c.OSID
		}

		coreIDBySocket[i] = ids
	}

	return NewStatic(coreIDBySocket)
}
