// Package vm holds constants shared by the frame table, swap table,
// supplemental page table, and fault handler.
package vm

import "github.com/edukernel/edukernel/internal/blockdev"

// PageSize is the simulated MMU's page size.
const PageSize = 4096

// SectorsPerPage is how many device sectors back one page in swap.
const SectorsPerPage = PageSize / blockdev.SectorSize

// StackGrowthSlack is how far below the current user stack pointer a
// faulting address is still considered a legitimate stack-growth request
// (spec.md's "va >= user_esp - 32" heuristic, carried forward unchanged).
const StackGrowthSlack = 32

// UserStackTop is the highest user virtual address, one page below which
// the very first stack page is installed at process start.
const UserStackTop = 0xC0000000
