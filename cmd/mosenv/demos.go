package main

import (
	"github.com/evanphx/mosenv/kernel"
	"github.com/evanphx/mosenv/memory"
	"github.com/evanphx/mosenv/user"
)

type demo struct {
	desc string
	main user.Func
}

var demos = map[string]demo{
	"hello":    {"print a greeting and exit", hello},
	"pingpong": {"fork a child and bounce a counter over ipc", pingpong},
	"testsem":  {"producer and consumer threads on a semaphore", testsem},
	"threads":  {"threads summing into shared memory", threads},
	"echo":     {"echo console input", echo},
	"disk":     {"dump the first sector of disk 0", disk},
}

const (
	bufVa = 0x00800000
	semVa = 0x00801000
)

func hello(u *user.Env, _, _, _ uint32) uint32 {
	u.Printf("hello from %s\n", u.Getenvid())
	return 0
}

func pingpong(u *user.Env, _, _, _ uint32) uint32 {
	child, err := u.Fork(func(u *user.Env, _, _, _ uint32) uint32 {
		for {
			v, from, _, err := u.IpcRecv(memory.UTOP)
			if err != nil {
				u.Fatalf("recv: %s", err)
			}

			u.Printf("%s got %d from %s\n", u.Getenvid(), v, from)
			if v >= 10 {
				return 0
			}

			u.IpcSend(from, v+1, 0, 0)
		}
	})
	if err != nil {
		u.Fatalf("fork: %s", err)
	}

	u.IpcSend(child, 0, 0, 0)

	for {
		v, from, _, err := u.IpcRecv(memory.UTOP)
		if err != nil {
			u.Fatalf("recv: %s", err)
		}

		u.Printf("%s got %d from %s\n", u.Getenvid(), v, from)

		u.IpcSend(from, v+1, 0, 0)
		if v+1 >= 10 {
			return 0
		}
	}
}

func testsem(u *user.Env, _, _, _ uint32) uint32 {
	if err := u.MemAlloc(0, semVa, memory.PteV|memory.PteR); err != nil {
		u.Fatalf("alloc: %s", err)
	}

	full, empty := uint32(semVa), uint32(semVa+kernel.SemSize)

	if err := u.SemInit(full, 0, false); err != nil {
		u.Fatalf("sem_init full: %s", err)
	}

	if err := u.SemInit(empty, 2, false); err != nil {
		u.Fatalf("sem_init empty: %s", err)
	}

	consumer, err := u.ThreadFork(func(u *user.Env, _, _, _ uint32) uint32 {
		for i := 0; i < 5; i++ {
			u.SemWait(full)
			u.Printf("consume %d\n", i)
			u.SemPost(empty)
		}
		return 0
	}, 0)
	if err != nil {
		u.Fatalf("thread: %s", err)
	}

	for i := 0; i < 5; i++ {
		u.SemWait(empty)
		u.Printf("produce %d\n", i)
		u.SemPost(full)
	}

	u.Join(consumer)

	v, _ := u.SemGetValue(empty)
	u.Printf("empty slots left: %d\n", v)

	return 0
}

func threads(u *user.Env, _, _, _ uint32) uint32 {
	if err := u.MemAlloc(0, bufVa, memory.PteV|memory.PteR); err != nil {
		u.Fatalf("alloc: %s", err)
	}

	var handles []uint32

	for i := uint32(1); i <= 4; i++ {
		h, err := u.ThreadFork(func(u *user.Env, arg, _, _ uint32) uint32 {
			u.StoreWord(bufVa, u.LoadWord(bufVa)+arg)
			u.Printf("thread %d added %d\n", u.Getthreadid(), arg)
			return arg * arg
		}, i)
		if err != nil {
			u.Fatalf("thread: %s", err)
		}

		handles = append(handles, h)
	}

	for _, h := range handles {
		v, _ := u.Join(h)
		u.Printf("join %d: %d\n", h, v)
	}

	u.Printf("sum %d\n", u.LoadWord(bufVa))
	return 0
}

func echo(u *user.Env, _, _, _ uint32) uint32 {
	for {
		c := u.Cgetc()
		if c == 0 {
			return 0
		}

		u.Putchar(c)
	}
}

func disk(u *user.Env, _, _, _ uint32) uint32 {
	if err := u.MemAlloc(0, bufVa, memory.PteV|memory.PteR); err != nil {
		u.Fatalf("alloc: %s", err)
	}

	if err := u.IdeRead(0, 0, bufVa, 1); err != nil {
		u.Fatalf("ide read: %s", err)
	}

	buf := make([]byte, 512)
	u.Load(bufVa, buf)

	for i := 0; i < len(buf); i += 16 {
		u.Printf("%04x:", i)
		for _, b := range buf[i : i+16] {
			u.Printf(" %02x", b)
		}
		u.Printf("\n")
	}

	return 0
}
