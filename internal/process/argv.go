package process

import "fmt"

const maxArgvBytes = 4096 // one stack page worth of argument data

// BuildArgvStack lays out argv on the user stack below top per the
// original source's setup_stack: push each string (reverse order), align
// to a 4-byte boundary, push a NULL argv[argc] sentinel, push pointers to
// each string (reverse order), then argv, argc, and a null return
// address. Returns the resulting stack pointer, where a fresh user thread
// would begin executing main(argc, argv).
func BuildArgvStack(mem UserMemory, top uint32, argv []string) (esp uint32, err error) {
	esp = top
	start := top

	pointers := make([]uint32, 0, len(argv))
	for i := len(argv) - 1; i >= 0; i-- {
		s := argv[i]
		esp -= uint32(len(s) + 1)
		if start-esp > maxArgvBytes {
			return 0, fmt.Errorf("process: argument list exceeds %d bytes", maxArgvBytes)
		}
		if err := mem.WriteBytes(esp, append([]byte(s), 0)); err != nil {
			return 0, err
		}
		pointers = append(pointers, esp)
	}

	esp -= esp % 4 // word-align

	esp -= 4
	if err := mem.WriteUint32(esp, 0); err != nil { // argv[argc] sentinel
		return 0, err
	}

	for _, p := range pointers {
		esp -= 4
		if err := mem.WriteUint32(esp, p); err != nil {
			return 0, err
		}
	}
	argvBase := esp

	esp -= 4
	if err := mem.WriteUint32(esp, argvBase); err != nil {
		return 0, err
	}

	esp -= 4
	if err := mem.WriteUint32(esp, uint32(len(argv))); err != nil {
		return 0, err
	}

	esp -= 4
	if err := mem.WriteUint32(esp, 0); err != nil { // fake return address
		return 0, err
	}

	return esp, nil
}
