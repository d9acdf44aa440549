package kernel

import (
	"testing"
	"unsafe"

	"kernmem/boot"
	"kernmem/defs"
	"kernmem/mem"
	"kernmem/pagetable"
)

func testConfig() boot.Config {
	return boot.Config{
		KernelLinearSize: 64 * mem.PageSize,
		BootstrapReserve: 8 * mem.PageSize,
		MaxOrder:         20,
		Driver:           pagetable.NewHostDriver(0x7fff0000, 0x7fff0000+64*mem.PageSize),
	}
}

func testRegions() []boot.Region {
	return []boot.Region{{Base: 0, Size: 16 * mem.PageSize, Type: boot.Usable}}
}

func TestAllocateAndReleaseKernelMemory(t *testing.T) {
	k, err := Init(testRegions(), testConfig())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	addr, allocErr := k.AllocateKernelMemory(64)
	if allocErr != 0 {
		t.Fatalf("AllocateKernelMemory: %v", allocErr)
	}
	p := (*uint64)(unsafe.Pointer(uintptr(addr)))
	*p = 0xdeadbeef
	if *p != 0xdeadbeef {
		t.Fatal("kernel memory is not real, writable memory")
	}
	k.ReleaseKernelMemory(addr)
}

func TestAllocateAndReleaseKernelPages(t *testing.T) {
	k, err := Init(testRegions(), testConfig())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	addr, allocErr := k.AllocateKernelPages(2*mem.PageSize, defs.PageKernel)
	if allocErr != 0 {
		t.Fatalf("AllocateKernelPages: %v", allocErr)
	}
	if !k.CheckAndReleaseKernelPages(addr) {
		t.Fatal("CheckAndReleaseKernelPages reported no live allocation")
	}
	if k.CheckAndReleaseKernelPages(addr) {
		t.Fatal("releasing the same pages twice should fail the second time")
	}
}

func TestMapAndUnmapPages(t *testing.T) {
	k, err := Init(testRegions(), testConfig())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	phys, _, physErr := k.sys.Physical.Allocate(mem.PageSize)
	if physErr != 0 {
		t.Fatalf("Physical.Allocate: %v", physErr)
	}
	addr, mapErr := k.MapPages(phys, mem.PageSize, defs.PageKernel)
	if mapErr != 0 {
		t.Fatalf("MapPages: %v", mapErr)
	}
	if !k.CheckAndUnmapPages(addr) {
		t.Fatal("CheckAndUnmapPages reported no live mapping")
	}
}

func TestCheckAndUnmapUnknownAddressFails(t *testing.T) {
	k, err := Init(testRegions(), testConfig())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if k.CheckAndUnmapPages(0x12345000) {
		t.Fatal("expected CheckAndUnmapPages on a never-mapped address to fail")
	}
}

func TestAllocateKernelPagesGrowsLinearWindow(t *testing.T) {
	cfg := testConfig()
	cfg.KernelLinearSize = 4 * mem.PageSize
	cfg.BootstrapReserve = mem.PageSize
	cfg.KernelLinearMaxSize = 32 * mem.PageSize
	cfg.Driver = pagetable.NewHostDriver(0x7fff0000, 0x7fff0000+32*mem.PageSize)

	k, err := Init([]boot.Region{{Base: 0, Size: 64 * mem.PageSize, Type: boot.Usable}}, cfg)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	before := k.sys.Linear.Buddy().BlockCount()
	addr, allocErr := k.AllocateKernelPages(8*mem.PageSize, defs.PageKernel)
	if allocErr != 0 {
		t.Fatalf("AllocateKernelPages should succeed by growing the kernel linear window: %v", allocErr)
	}
	if after := k.sys.Linear.Buddy().BlockCount(); after <= before {
		t.Fatalf("BlockCount after growth = %d, want more than the initial %d", after, before)
	}
	if !k.CheckAndReleaseKernelPages(addr) {
		t.Fatal("CheckAndReleaseKernelPages reported no live allocation")
	}
}

func TestSystemExposesUnderlyingManagers(t *testing.T) {
	k, err := Init(testRegions(), testConfig())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if k.System().Physical == nil || k.System().LMM == nil || k.System().Slab == nil {
		t.Fatal("System() did not expose a fully wired boot.System")
	}
}
