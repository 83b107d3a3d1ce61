//go:build amd64

package bpf

// syscallTable is indexed by x86_64 syscall number
// (arch/x86/entry/syscalls/syscall_64.tbl).
var syscallTable = [...]string{
	"read", "write", "open", "close", // 0
	"stat", "fstat", "lstat", "poll", // 4
	"lseek", "mmap", "mprotect", "munmap", // 8
	"brk", "rt_sigaction", "rt_sigprocmask", "rt_sigreturn", // 12
	"ioctl", "pread64", "pwrite64", "readv", // 16
	"writev", "access", "pipe", "select", // 20
	"sched_yield", "mremap", "msync", "mincore", // 24
	"madvise", "shmget", "shmat", "shmctl", // 28
	"dup", "dup2", "pause", "nanosleep", // 32
	"getitimer", "alarm", "setitimer", "getpid", // 36
	"sendfile", "socket", "connect", "accept", // 40
	"sendto", "recvfrom", "sendmsg", "recvmsg", // 44
	"shutdown", "bind", "listen", "getsockname", // 48
	"getpeername", "socketpair", "setsockopt", "getsockopt", // 52
	"clone", "fork", "vfork", "execve", // 56
	"exit", "wait4", "kill", "uname", // 60
	"semget", "semop", "semctl", "shmdt", // 64
	"msgget", "msgsnd", "msgrcv", "msgctl", // 68
	"fcntl", "flock", "fsync", "fdatasync", // 72
	"truncate", "ftruncate", "getdents", "getcwd", // 76
	"chdir", "fchdir", "rename", "mkdir", // 80
	"rmdir", "creat", "link", "unlink", // 84
	"symlink", "readlink", "chmod", "fchmod", // 88
	"chown", "fchown", "lchown", "umask", // 92
	"gettimeofday", "getrlimit", "getrusage", "sysinfo", // 96
	"times", "ptrace", "getuid", "syslog", // 100
	"getgid", "setuid", "setgid", "geteuid", // 104
	"getegid", "setpgid", "getppid", "getpgrp", // 108
	"setsid", "setreuid", "setregid", "getgroups", // 112
	"setgroups", "setresuid", "getresuid", "setresgid", // 116
	"getresgid", "getpgid", "setfsuid", "setfsgid", // 120
	"getsid", "capget", "capset", "rt_sigpending", // 124
	"rt_sigtimedwait", "rt_sigqueueinfo", "rt_sigsuspend", "sigaltstack", // 128
	"utime", "mknod", "uselib", "personality", // 132
	"ustat", "statfs", "fstatfs", "sysfs", // 136
	"getpriority", "setpriority", "sched_setparam", "sched_getparam", // 140
	"sched_setscheduler", "sched_getscheduler", "sched_get_priority_max", "sched_get_priority_min", // 144
	"sched_rr_get_interval", "mlock", "munlock", "mlockall", // 148
	"munlockall", "vhangup", "modify_ldt", "pivot_root", // 152
	"_sysctl", "prctl", "arch_prctl", "adjtimex", // 156
	"setrlimit", "chroot", "sync", "acct", // 160
	"settimeofday", "mount", "umount2", "swapon", // 164
	"swapoff", "reboot", "sethostname", "setdomainname", // 168
	"iopl", "ioperm", "create_module", "init_module", // 172
	"delete_module", "get_kernel_syms", "query_module", "quotactl", // 176
	"nfsservctl", "getpmsg", "putpmsg", "afs_syscall", // 180
	"tuxcall", "security", "gettid", "readahead", // 184
	"setxattr", "lsetxattr", "fsetxattr", "getxattr", // 188
	"lgetxattr", "fgetxattr", "listxattr", "llistxattr", // 192
	"flistxattr", "removexattr", "lremovexattr", "fremovexattr", // 196
	"tkill", "time", "futex", "sched_setaffinity", // 200
	"sched_getaffinity", "set_thread_area", "io_setup", "io_destroy", // 204
	"io_getevents", "io_submit", "io_cancel", "get_thread_area", // 208
	"lookup_dcookie", "epoll_create", "epoll_ctl_old", "epoll_wait_old", // 212
	"remap_file_pages", "getdents64", "set_tid_address", "restart_syscall", // 216
	"semtimedop", "fadvise64", "timer_create", "timer_settime", // 220
	"timer_gettime", "timer_getoverrun", "timer_delete", "clock_settime", // 224
	"clock_gettime", "clock_getres", "clock_nanosleep", "exit_group", // 228
	"epoll_wait", "epoll_ctl", "tgkill", "utimes", // 232
	"vserver", "mbind", "set_mempolicy", "get_mempolicy", // 236
	"mq_open", "mq_unlink", "mq_timedsend", "mq_timedreceive", // 240
	"mq_notify", "mq_getsetattr", "kexec_load", "waitid", // 244
	"add_key", "request_key", "keyctl", "ioprio_set", // 248
	"ioprio_get", "inotify_init", "inotify_add_watch", "inotify_rm_watch", // 252
	"migrate_pages", "openat", "mkdirat", "mknodat", // 256
	"fchownat", "futimesat", "newfstatat", "unlinkat", // 260
	"renameat", "linkat", "symlinkat", "readlinkat", // 264
	"fchmodat", "faccessat", "pselect6", "ppoll", // 268
	"unshare", "set_robust_list", "get_robust_list", "splice", // 272
	"tee", "sync_file_range", "vmsplice", "move_pages", // 276
	"utimensat", "epoll_pwait", "signalfd", "timerfd_create", // 280
	"eventfd", "fallocate", "timerfd_settime", "timerfd_gettime", // 284
	"accept4", "signalfd4", "eventfd2", "epoll_create1", // 288
	"dup3", "pipe2", "inotify_init1", "preadv", // 292
	"pwritev", "rt_tgsigqueueinfo", "perf_event_open", "recvmmsg", // 296
	"fanotify_init", "fanotify_mark", "prlimit64", "name_to_handle_at", // 300
	"open_by_handle_at", "clock_adjtime", "syncfs", "sendmmsg", // 304
	"setns", "getcpu", "process_vm_readv", "process_vm_writev", // 308
	"kcmp", "finit_module", "sched_setattr", "sched_getattr", // 312
	"renameat2", "seccomp", "getrandom", "memfd_create", // 316
	"kexec_file_load", "bpf", "execveat", "userfaultfd", // 320
	"membarrier", "mlock2", "copy_file_range", "preadv2", // 324
	"pwritev2", "pkey_mprotect", "pkey_alloc", "pkey_free", // 328
	"statx", "io_pgetevents", "rseq", // 332
}

// syscallHigh holds numbers past the gap at 335..423.
var syscallHigh = map[int64]string{
	424: "pidfd_send_signal",
	425: "io_uring_setup",
	426: "io_uring_enter",
	427: "io_uring_register",
	428: "open_tree",
	429: "move_mount",
	430: "fsopen",
	431: "fsconfig",
	432: "fsmount",
	433: "fspick",
	434: "pidfd_open",
	435: "clone3",
	436: "close_range",
	437: "openat2",
	438: "pidfd_getfd",
	439: "faccessat2",
	440: "process_madvise",
	441: "epoll_pwait2",
	442: "mount_setattr",
	443: "quotactl_fd",
	444: "landlock_create_ruleset",
	445: "landlock_add_rule",
	446: "landlock_restrict_self",
	447: "memfd_secret",
	448: "process_mrelease",
	449: "futex_waitv",
	450: "set_mempolicy_home_node",
	451: "cachestat",
}

func syscallName(nr int64) string {
	if nr >= 0 && nr < int64(len(syscallTable)) {
		return syscallTable[nr]
	}
	return syscallHigh[nr]
}
